package store

// Row is a database row keyed by column name, with typed readers that
// tolerate the driver's int64/float64/[]byte variants.
type Row map[string]any

// Int64 reads an integer column.
func (r Row) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Int reads an integer column as int.
func (r Row) Int(col string) int {
	return int(r.Int64(col))
}

// String reads a text column.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

// Bool reads an integer column as a boolean.
func (r Row) Bool(col string) bool {
	return r.Int64(col) != 0
}
