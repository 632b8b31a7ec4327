package directory

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `{
  "me": "10.0.0.1",
  "participants": [
    {"name": "alice", "address": "10.0.0.1"},
    {"name": "bob", "address": "10.0.0.2"},
    {"name": "carol", "address": "10.0.0.3"}
  ]
}`

// TestLoad проверяет загрузку JSON справочника и поиск
func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.json")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	d, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.1", d.Me())
	assert.Equal(t, "alice", d.MyName())

	address, ok := d.LookupAddress("bob")
	assert.True(t, ok)
	assert.Equal(t, "10.0.0.2", address)

	name, ok := d.LookupName("10.0.0.3")
	assert.True(t, ok)
	assert.Equal(t, "carol", name)

	_, ok = d.LookupName("10.0.0.9")
	assert.False(t, ok)

	assert.Len(t, d.Entries(), 3)
	assert.Equal(t, []Entry{{"bob", "10.0.0.2"}, {"carol", "10.0.0.3"}}, d.Others())
}

// TestParseYAML справочник можно записать и в YAML
func TestParseYAML(t *testing.T) {
	d, err := Parse([]byte(`
me: 10.0.0.2
participants:
  - name: alice
    address: 10.0.0.1
  - name: bob
    address: 10.0.0.2
`))
	require.NoError(t, err)
	assert.Equal(t, "bob", d.MyName())
}

// TestInvalid проверяет ошибки справочника
func TestInvalid(t *testing.T) {
	tests := []struct {
		name string
		me   string
		list []Entry
		err  error
	}{
		{name: "Нет собственного адреса", list: []Entry{{"a", "1"}}, err: ErrNoSelf},
		{name: "Собственный адрес не найден", me: "2", list: []Entry{{"a", "1"}}, err: ErrSelfNotFound},
		{name: "Повтор имени", me: "1", list: []Entry{{"a", "1"}, {"a", "2"}}, err: ErrDuplicate},
		{name: "Повтор адреса", me: "1", list: []Entry{{"a", "1"}, {"b", "1"}}, err: ErrDuplicate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.me, tt.list)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = Parse([]byte("{not json"))
	assert.Error(t, err)
}
