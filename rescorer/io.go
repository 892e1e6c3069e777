package rescorer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrNoHypotheses is returned for an entry without a "hypotheses" array.
var ErrNoHypotheses = errors.New(`entry has no "hypotheses" array`)

const hypothesesKey = "hypotheses"

// InputPath returns <dir>/hyp_dict_<testSet>.json.
func InputPath(dir, testSet string) string {
	return filepath.Join(dir, "hyp_dict_"+testSet+".json")
}

// OutputPath returns <dir>/hyp_llm_masks_<nbest>_dict_<testSet>.json.
func OutputPath(dir string, nbest int, testSet string) string {
	return filepath.Join(dir, fmt.Sprintf("hyp_llm_masks_%d_dict_%s.json", nbest, testSet))
}

// Utterance is one entry of the hypothesis dictionary. Fields other than
// the hypotheses are carried through untouched and in their original order.
type Utterance struct {
	ID         string
	Hypotheses []string
	fields     *orderedObject
}

// SetScores stores the score arrays on the entry: every model's full
// scores first, then every model's masked scores.
func (u *Utterance) SetScores(scores []Scores) error {
	for _, s := range scores {
		if err := u.fields.setJSON(s.FullKey(), s.Full); err != nil {
			return err
		}
	}
	for _, s := range scores {
		if err := u.fields.setJSON(s.MaskedKey(), s.Masked); err != nil {
			return err
		}
	}
	return nil
}

// Field returns the raw JSON stored under key.
func (u *Utterance) Field(key string) (json.RawMessage, bool) {
	return u.fields.get(key)
}

// HypothesisDict maps utterance IDs to entries, keeping file order.
type HypothesisDict struct {
	Utterances []*Utterance
}

// LoadHypotheses reads and parses a hypothesis dictionary file.
func LoadHypotheses(path string) (*HypothesisDict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hypotheses: %w", err)
	}
	d, err := ParseHypotheses(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return d, nil
}

// ParseHypotheses decodes a hypothesis dictionary.
func ParseHypotheses(data []byte) (*HypothesisDict, error) {
	top, err := decodeObject(data)
	if err != nil {
		return nil, err
	}
	d := &HypothesisDict{Utterances: make([]*Utterance, 0, len(top.fields))}
	for _, f := range top.fields {
		entry, err := decodeObject(f.value)
		if err != nil {
			return nil, fmt.Errorf("utterance %s: %w", f.key, err)
		}
		raw, ok := entry.get(hypothesesKey)
		if !ok {
			return nil, fmt.Errorf("utterance %s: %w", f.key, ErrNoHypotheses)
		}
		var hyps []string
		if err := json.Unmarshal(raw, &hyps); err != nil {
			return nil, fmt.Errorf("utterance %s: hypotheses: %w", f.key, err)
		}
		if hyps == nil {
			return nil, fmt.Errorf("utterance %s: %w", f.key, ErrNoHypotheses)
		}
		d.Utterances = append(d.Utterances, &Utterance{ID: f.key, Hypotheses: hyps, fields: entry})
	}
	return d, nil
}

// MarshalJSON encodes the dictionary in utterance order.
func (d *HypothesisDict) MarshalJSON() ([]byte, error) {
	top := newOrderedObject()
	for _, u := range d.Utterances {
		raw, err := u.fields.MarshalJSON()
		if err != nil {
			return nil, err
		}
		top.set(u.ID, raw)
	}
	return top.MarshalJSON()
}

// WriteHypotheses writes the dictionary with two-space indentation. The
// file is replaced atomically.
func WriteHypotheses(path string, d *HypothesisDict) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("encode hypotheses: %w", err)
	}
	data = append(data, '\n')
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp output: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename output: %w", err)
	}
	return nil
}

type objectField struct {
	key   string
	value json.RawMessage
}

// orderedObject is a JSON object that remembers key order.
type orderedObject struct {
	fields []objectField
	index  map[string]int
}

func newOrderedObject() *orderedObject {
	return &orderedObject{index: make(map[string]int)}
}

func decodeObject(data []byte) (*orderedObject, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.New("expected a JSON object")
	}
	obj := newOrderedObject()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("value of %q: %w", key, err)
		}
		obj.set(key, raw)
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("unexpected data after JSON object")
	}
	return obj, nil
}

func (o *orderedObject) get(key string) (json.RawMessage, bool) {
	i, ok := o.index[key]
	if !ok {
		return nil, false
	}
	return o.fields[i].value, true
}

// set replaces the value in place when the key exists, else appends.
func (o *orderedObject) set(key string, value json.RawMessage) {
	if i, ok := o.index[key]; ok {
		o.fields[i].value = value
		return
	}
	o.index[key] = len(o.fields)
	o.fields = append(o.fields, objectField{key: key, value: value})
}

func (o *orderedObject) setJSON(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	o.set(key, raw)
	return nil
}

func (o *orderedObject) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range o.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.key)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(f.value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
