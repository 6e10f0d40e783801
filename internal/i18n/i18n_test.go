package i18n

import "testing"

func TestLoad_Locales(t *testing.T) {
	for _, locale := range []string{"en", "sl"} {
		c, err := Load(locale)
		if err != nil {
			t.Fatalf("load %s: %v", locale, err)
		}
		if c.Locale() != locale {
			t.Errorf("locale = %q", c.Locale())
		}
		if c.T(WrongData) == WrongData {
			t.Errorf("%s catalog must translate %s", locale, WrongData)
		}
	}
}

func TestLoad_UnknownLocale(t *testing.T) {
	if _, err := Load("xx"); err == nil {
		t.Fatal("unknown locale must fail")
	}
}

func TestT_UnknownCodePassesThrough(t *testing.T) {
	c := MustLoad("en")
	if got := c.T("SOME_NEW_CODE"); got != "SOME_NEW_CODE" {
		t.Errorf("T = %q", got)
	}
}

func TestCatalogsCoverTheSameCodes(t *testing.T) {
	en, sl := MustLoad("en"), MustLoad("sl")
	for code := range en.messages {
		if _, ok := sl.messages[code]; !ok {
			t.Errorf("sl catalog missing %s", code)
		}
	}
	for code := range sl.messages {
		if _, ok := en.messages[code]; !ok {
			t.Errorf("en catalog missing %s", code)
		}
	}
}
