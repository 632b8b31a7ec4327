// Package directory загружает справочник участников конференции.
//
// Формат файла (directory.json, JSON является подмножеством YAML):
//
//	{
//	  "me": "10.0.0.1",
//	  "participants": [
//	    {"name": "alice", "address": "10.0.0.1"},
//	    {"name": "bob", "address": "10.0.0.2"}
//	  ]
//	}
//
// После загрузки справочник только читается.
package directory

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrNoSelf       = errors.New("в справочнике не указан собственный адрес")
	ErrSelfNotFound = errors.New("собственный адрес отсутствует среди участников")
	ErrDuplicate    = errors.New("повторяющаяся запись справочника")
)

// Entry запись справочника
type Entry struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

type document struct {
	Me           string  `yaml:"me"`
	Participants []Entry `yaml:"participants"`
}

// Directory справочник участников
type Directory struct {
	me        string
	entries   []Entry
	byName    map[string]string
	byAddress map[string]string
}

// Load читает справочник из файла
func Load(path string) (*Directory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения справочника: %w", err)
	}
	return Parse(b)
}

// Parse разбирает справочник
func Parse(data []byte) (*Directory, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("ошибка разбора справочника: %w", err)
	}
	return New(doc.Me, doc.Participants)
}

// New создает справочник из записей.
// Имена и адреса должны быть уникальны, собственный адрес должен быть среди участников.
func New(me string, entries []Entry) (*Directory, error) {
	if me == "" {
		return nil, ErrNoSelf
	}

	d := &Directory{
		me:        me,
		entries:   make([]Entry, 0, len(entries)),
		byName:    make(map[string]string, len(entries)),
		byAddress: make(map[string]string, len(entries)),
	}

	for i, e := range entries {
		if e.Name == "" || e.Address == "" {
			return nil, fmt.Errorf("запись %d: имя и адрес обязательны", i)
		}
		if _, ok := d.byName[e.Name]; ok {
			return nil, fmt.Errorf("%w: имя %q", ErrDuplicate, e.Name)
		}
		if _, ok := d.byAddress[e.Address]; ok {
			return nil, fmt.Errorf("%w: адрес %q", ErrDuplicate, e.Address)
		}
		d.byName[e.Name] = e.Address
		d.byAddress[e.Address] = e.Name
		d.entries = append(d.entries, e)
	}

	if _, ok := d.byAddress[me]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrSelfNotFound, me)
	}

	return d, nil
}

// Me возвращает собственный адрес
func (d *Directory) Me() string { return d.me }

// MyName возвращает собственное имя
func (d *Directory) MyName() string { return d.byAddress[d.me] }

// LookupAddress возвращает адрес участника по имени
func (d *Directory) LookupAddress(name string) (string, bool) {
	address, ok := d.byName[name]
	return address, ok
}

// LookupName возвращает имя участника по адресу
func (d *Directory) LookupName(address string) (string, bool) {
	name, ok := d.byAddress[address]
	return name, ok
}

// Entries возвращает все записи в порядке файла
func (d *Directory) Entries() []Entry {
	return append([]Entry(nil), d.entries...)
}

// Others возвращает записи всех участников, кроме себя
func (d *Directory) Others() []Entry {
	result := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		if e.Address != d.me {
			result = append(result, e)
		}
	}
	return result
}
