// Package manifest models the JSON manifest describing the segment range
// and shard layout of a stored file.
package manifest

import (
	"encoding/json"
	"errors"
)

var ErrEmpty = errors.New("empty manifest")

// Repo is one repository shard owning a contiguous sub-range of segments.
type Repo struct {
	Name  string `json:"name"`
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
}

type Manifest struct {
	Name  string `json:"name"`
	Start uint64 `json:"start"`
	End   uint64 `json:"end"`
	Repos []Repo `json:"repos,omitempty"`
}

// New builds the single-range manifest a publisher serves during a put.
func New(name string, start, end uint64) *Manifest {
	return &Manifest{Name: name, Start: start, End: end}
}

func FromJSON(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manifest) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// Shards returns the repo entries to fetch from. A manifest without an
// explicit shard list is its own single shard.
func (m *Manifest) Shards() []Repo {
	if len(m.Repos) > 0 {
		return m.Repos
	}
	return []Repo{{Name: m.Name, Start: m.Start, End: m.End}}
}
