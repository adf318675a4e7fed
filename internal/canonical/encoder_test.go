package canonical

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFields() Fields {
	return Fields{
		Name:        "Nur Aisyah",
		StudentID:   "2021456789",
		Course:      "CS230",
		Part:        2,
		Group:       "A",
		EventID:     "evt-001",
		EventDate:   NewDate(2024, time.March, 7),
		TemplateRef: "https://cdn.example.com/templates/t1.png",
	}
}

func TestEncodeIsIndependentOfConstruction(t *testing.T) {
	a := sampleFields()

	var b Fields
	b.TemplateRef = "https://cdn.example.com/templates/t1.png"
	b.EventDate = NewDate(2024, time.March, 7)
	b.EventID = "evt-001"
	b.Group = "A"
	b.Part = 2
	b.Course = "CS230"
	b.StudentID = "2021456789"
	b.Name = "Nur Aisyah"

	assert.Equal(t, Encode(a), Encode(b))
}

func TestEncodeLayout(t *testing.T) {
	got := Encode(sampleFields())

	require.Equal(t, Version, got[0])
	assert.Equal(t,
		`{"name":"Nur Aisyah","studentID":"2021456789","course":"CS230","part":2,"group":"A","eventId":"evt-001","eventDate":"2024-03-07","certificateTemplate":"https://cdn.example.com/templates/t1.png"}`,
		string(got[1:]))
	assert.Equal(t, got[1:], EncodeLegacy(sampleFields()))
}

func TestEncodeDoesNotEscapeHTML(t *testing.T) {
	f := sampleFields()
	f.Name = `Tom & "Jerry" <TJ>`

	got := string(EncodeLegacy(f))
	assert.Contains(t, got, `"name":"Tom & \"Jerry\" <TJ>"`)
}

func TestEncodeChangesWithEachField(t *testing.T) {
	base := Encode(sampleFields())
	mutations := map[string]func(*Fields){
		"name":     func(f *Fields) { f.Name = "Other" },
		"student":  func(f *Fields) { f.StudentID = "1" },
		"course":   func(f *Fields) { f.Course = "CS110" },
		"part":     func(f *Fields) { f.Part = 3 },
		"group":    func(f *Fields) { f.Group = "" },
		"event":    func(f *Fields) { f.EventID = "evt-002" },
		"date":     func(f *Fields) { f.EventDate = NewDate(2024, time.March, 8) },
		"template": func(f *Fields) { f.TemplateRef = "t2" },
	}
	for name, mutate := range mutations {
		f := sampleFields()
		mutate(&f)
		assert.NotEqual(t, base, Encode(f), name)
	}
}

func TestKeysReturnsCopy(t *testing.T) {
	keys := Keys()
	keys[0] = "mutated"
	assert.Equal(t, "name", Keys()[0])
	assert.Len(t, Keys(), 8)
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-03-07")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-07", d.String())

	d, err = ParseDate("2024-03-06T23:30:00-02:00")
	require.NoError(t, err)
	assert.Equal(t, "2024-03-07", d.String())

	_, err = ParseDate("07/03/2024")
	assert.Error(t, err)
}

func TestDateJSON(t *testing.T) {
	var payload struct {
		When Date `json:"when"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"when":"2025-12-31"}`), &payload))
	assert.Equal(t, NewDate(2025, time.December, 31), payload.When)

	out, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"when":"2025-12-31"}`, string(out))
}

func TestValidate(t *testing.T) {
	f := sampleFields()
	assert.NoError(t, f.Validate())

	f.Part = -1
	assert.Error(t, f.Validate())

	f = sampleFields()
	f.EventDate = Date{}
	assert.Error(t, f.Validate())
}
