package pattern

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func doc(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	return m
}

func TestExactMatch(t *testing.T) {
	p := doc(t, `{"source": ["orders"]}`)

	assert.True(t, Match(p, doc(t, `{"source": "orders", "extra": 1}`)))
	assert.False(t, Match(p, doc(t, `{"source": "payments"}`)))
	assert.False(t, Match(p, doc(t, `{}`)), "missing key is a mismatch")
}

func TestAlternativesAreOr(t *testing.T) {
	p := doc(t, `{"source": ["orders", "payments"]}`)
	assert.True(t, Match(p, doc(t, `{"source": "payments"}`)))
	assert.False(t, Match(p, doc(t, `{"source": "users"}`)))
}

func TestPrefix(t *testing.T) {
	p := doc(t, `{"region": [{"prefix": "local-"}]}`)
	assert.True(t, Match(p, doc(t, `{"region": "local-1"}`)))
	assert.False(t, Match(p, doc(t, `{"region": "eu-west-1"}`)))
	assert.False(t, Match(p, doc(t, `{"region": 5}`)), "prefix only applies to strings")
}

func TestNumeric(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		event   string
		want    bool
	}{
		{"gte hit", `{"amount": [{"numeric": [">=", 100]}]}`, `{"amount": 250}`, true},
		{"gte miss", `{"amount": [{"numeric": [">=", 100]}]}`, `{"amount": 50}`, false},
		{"range hit", `{"amount": [{"numeric": [">", 0, "<=", 10]}]}`, `{"amount": 10}`, true},
		{"range miss", `{"amount": [{"numeric": [">", 0, "<=", 10]}]}`, `{"amount": 11}`, false},
		{"equals", `{"amount": [{"numeric": ["=", 5]}]}`, `{"amount": 5}`, true},
		{"non-numeric value", `{"amount": [{"numeric": [">", 0]}]}`, `{"amount": "ten"}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Match(doc(t, tt.pattern), doc(t, tt.event)))
		})
	}
}

func TestExists(t *testing.T) {
	existsTrue := doc(t, `{"detail-type": [{"exists": true}]}`)
	existsFalse := doc(t, `{"detail-type": [{"exists": false}]}`)

	withKey := doc(t, `{"detail-type": "created"}`)
	withoutKey := doc(t, `{"source": "orders"}`)

	// exists-true matches exactly the events containing the key;
	// exists-false exactly the complement.
	assert.True(t, Match(existsTrue, withKey))
	assert.False(t, Match(existsTrue, withoutKey))
	assert.False(t, Match(existsFalse, withKey))
	assert.True(t, Match(existsFalse, withoutKey))
}

func TestAnythingBut(t *testing.T) {
	p := doc(t, `{"state": [{"anything-but": ["terminated", "stopped"]}]}`)
	assert.True(t, Match(p, doc(t, `{"state": "running"}`)))
	assert.False(t, Match(p, doc(t, `{"state": "stopped"}`)))
	assert.False(t, Match(p, doc(t, `{}`)), "anything-but still requires the key")
}

func TestNestedSubPattern(t *testing.T) {
	p := doc(t, `{"source": ["orders"], "detail": {"amount": [{"numeric": [">=", 100]}]}}`)

	assert.True(t, Match(p, doc(t, `{"source": "orders", "detail": {"amount": 250}}`)))
	assert.False(t, Match(p, doc(t, `{"source": "orders", "detail": {"amount": 50}}`)))
	assert.False(t, Match(p, doc(t, `{"source": "orders"}`)), "missing nested node")
	assert.False(t, Match(p, doc(t, `{"source": "orders", "detail": null}`)), "null node counts as missing")
}

func TestNullValues(t *testing.T) {
	p := doc(t, `{"maybe": [null]}`)
	assert.True(t, Match(p, doc(t, `{"maybe": null}`)), "explicit null alternative matches null")

	pStr := doc(t, `{"maybe": ["x"]}`)
	assert.False(t, Match(pStr, doc(t, `{"maybe": null}`)))
}

func TestNumericStringsDoNotCrossMatch(t *testing.T) {
	p := doc(t, `{"n": [5]}`)
	assert.True(t, Match(p, doc(t, `{"n": 5}`)))
	assert.False(t, Match(p, doc(t, `{"n": "5"}`)))
}
