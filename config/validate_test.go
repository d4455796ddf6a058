package config

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Valid(t *testing.T) {
	r := Validate(parse(t, gridDoc))
	assert.True(t, r.IsValid, r.Errors)
	assert.Empty(t, r.Errors)
}

func TestValidate_MissingMetadataField(t *testing.T) {
	for _, field := range metadataRules.required {
		t.Run(field, func(t *testing.T) {
			doc := parse(t, gridDoc)
			delete(doc.Section(SectionMetadata), field)
			r := Validate(doc)
			assert.False(t, r.IsValid)
			assert.True(t, anyContains(r.Errors, field), r.Errors)
		})
	}
}

func TestValidate_GridOrdering(t *testing.T) {
	for _, strategy := range []string{"grid", "perp_grid"} {
		doc := parse(t, gridDoc)
		doc.Section(SectionMetadata)["strategy"] = strategy
		doc.Section(SectionStrategy)["grid_upper_price"] = 140.0
		doc.Section(SectionStrategy)["grid_lower_price"] = 160.0

		r := Validate(doc)
		assert.False(t, r.IsValid)
		require.Len(t, r.Errors, 1)
		assert.Contains(t, r.Errors[0], "grid_upper_price")
		assert.Contains(t, r.Errors[0], "grid_lower_price")

		doc.Section(SectionStrategy)["grid_upper_price"] = 160.0
		r = Validate(doc)
		assert.False(t, r.IsValid, "equal bounds are rejected")
	}
}

func TestValidate_Rules(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(Document)
		wantErr string
	}{
		{"bad exchange", func(d Document) { d.Section(SectionMetadata)["exchange"] = "binance" }, "invalid exchange"},
		{"bad market", func(d Document) { d.Section(SectionMetadata)["market_type"] = "margin" }, "invalid market_type"},
		{"restart attempts high", func(d Document) { d.Section(SectionDaemon)["max_restart_attempts"] = 11.0 }, "max_restart_attempts must not be greater than 10"},
		{"restart delay low", func(d Document) { d.Section(SectionDaemon)["restart_delay"] = 5.0 }, "restart_delay must not be less than 10"},
		{"memory not int", func(d Document) { d.Section(SectionDaemon)["memory_limit_mb"] = "lots" }, "memory_limit_mb must be an integer"},
		{"fractional cpu", func(d Document) { d.Section(SectionDaemon)["cpu_limit_percent"] = 50.5 }, "cpu_limit_percent must be an integer"},
		{"missing script", func(d Document) { delete(d.Section(SectionDaemon), "script_path") }, "script_path"},
		{"literal secret", func(d Document) { d.Section(SectionExchange)["api_key"] = "abc123" }, "api_key must be an environment variable reference"},
		{"numeric secret", func(d Document) { d.Section(SectionExchange)["secret_key"] = 42.0 }, "secret_key"},
		{"grid num", func(d Document) { d.Section(SectionStrategy)["grid_num"] = 1.0 }, "grid_num must not be less than 2"},
		{"grid mode", func(d Document) { d.Section(SectionStrategy)["grid_mode"] = "fibonacci" }, "invalid grid_mode"},
		{"negative bound", func(d Document) { d.Section(SectionStrategy)["grid_lower_price"] = -1.0 }, "grid_lower_price must not be less than 0"},
		{"price not number", func(d Document) { d.Section(SectionStrategy)["grid_upper_price"] = "high" }, "grid_upper_price must be a number"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			doc := parse(t, gridDoc)
			c.mutate(doc)
			r := Validate(doc)
			assert.False(t, r.IsValid)
			assert.True(t, anyContains(r.Errors, c.wantErr), r.Errors)
		})
	}
}

func TestValidate_NumericStringsAccepted(t *testing.T) {
	doc := parse(t, gridDoc)
	doc.Section(SectionDaemon)["restart_delay"] = "30"
	doc.Section(SectionStrategy)["grid_upper_price"] = "170.5"
	assert.True(t, Validate(doc).IsValid)
}

func TestValidate_PerpWarnings(t *testing.T) {
	doc := parse(t, gridDoc)
	doc.Section(SectionMetadata)["strategy"] = "perp_standard"
	doc.Section(SectionMetadata)["market_type"] = "perp"
	doc[SectionStrategy] = map[string]any{
		"max_position": 1.5,
		"stop_loss":    10.0,
		"take_profit":  -5.0,
	}
	r := Validate(doc)
	assert.True(t, r.IsValid, r.Errors)
	assert.Len(t, r.Warnings, 2)
	assert.True(t, anyContains(r.Warnings, "stop_loss should be negative"))
	assert.True(t, anyContains(r.Warnings, "take_profit should be positive"))

	for _, v := range []float64{0, 0.005} {
		doc.Section(SectionStrategy)["max_position"] = v
		r = Validate(doc)
		assert.False(t, r.IsValid)
		assert.True(t, anyContains(r.Errors, "max_position must not be less than 0.01"), r.Errors)
	}
	doc.Section(SectionStrategy)["max_position"] = 0.01
	assert.True(t, Validate(doc).IsValid)
}

func TestValidate_ExchangeSecrets(t *testing.T) {
	cases := []struct {
		field string
		value any
		valid bool
	}{
		{"api_key", "${BACKPACK_API_KEY}", true},
		{"api_key", "${BACKPACK_API_KEY:-}", true},
		{"api_key", "${A} plus literal", false},
		{"api_key", "prefix${A}", false},
		{"secret_key", "${A}${B}", false},
		{"private_key", "0xdeadbeefliteral", false},
		{"private_key", "${PARADEX_PRIVATE_KEY}", true},
		{"api_private_key", "literal", false},
		{"passphrase", "hunter2", false},
		{"passphrase", "${ASTER_PASSPHRASE}", true},
		{"account_token", "abc", false},
		{"Wallet_Password", 1234.0, false},
		{"account_index", "7", true},
		{"base_url", "https://api.example.com", true},
	}
	for _, c := range cases {
		t.Run(c.field+"="+fmt.Sprint(c.value), func(t *testing.T) {
			doc := parse(t, gridDoc)
			doc.Section(SectionExchange)[c.field] = c.value
			r := Validate(doc)
			assert.Equal(t, c.valid, r.IsValid, r.Errors)
			if !c.valid {
				assert.True(t, anyContains(r.Errors, c.field+" must be an environment variable reference"), r.Errors)
			}
		})
	}
}

func TestValidate_ParadexLiteralSecrets(t *testing.T) {
	doc := parse(t, gridDoc)
	doc.Section(SectionMetadata)["exchange"] = "paradex"
	doc.Section(SectionMetadata)["market_type"] = "perp"
	doc.Section(SectionMetadata)["strategy"] = "perp_standard"
	doc[SectionExchange] = map[string]any{
		"api_key":         "${A} plus literal",
		"private_key":     "0xdeadbeefliteral",
		"api_private_key": "literal",
		"passphrase":      "hunter2",
	}
	doc[SectionStrategy] = map[string]any{"max_position": 1.0}

	r := Validate(doc)
	assert.False(t, r.IsValid)
	assert.Len(t, r.Errors, 4, r.Errors)
}

func TestValidate_Legacy(t *testing.T) {
	doc := Document{"script_path": "run.py", "restart_delay": 500.0}
	assert.Equal(t, FormatLegacy, DetectFormat(doc))
	r := Validate(doc)
	assert.False(t, r.IsValid)
	assert.Len(t, r.Errors, 1)

	delete(doc, "restart_delay")
	assert.True(t, Validate(doc).IsValid)
}

func anyContains(list []string, sub string) bool {
	for _, s := range list {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
