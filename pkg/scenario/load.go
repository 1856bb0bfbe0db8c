package scenario

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/aixgo-dev/stagecraft/pkg/security"
)

//go:embed scenario.schema.json
var schemaJSON string

// ErrUnknownScenario is returned by Catalog.Get for ids it does not hold.
var ErrUnknownScenario = errors.New("unknown scenario")

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	return jsonschema.CompileString("scenario.schema.json", schemaJSON)
})

var yamlParser = security.NewSafeYAMLParser(security.DefaultYAMLLimits())

// Load validates a YAML scenario document against the schema and compiles it.
func Load(data []byte) (*Scenario, error) {
	if err := validate(data); err != nil {
		return nil, err
	}
	var f File
	if err := yamlParser.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return Compile(&f)
}

// LoadFile reads and loads a scenario file.
func LoadFile(path string) (*Scenario, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open scenario: %w", err)
	}
	defer fh.Close()

	data, err := io.ReadAll(io.LimitReader(fh, security.DefaultYAMLLimits().MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	sc, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return sc, nil
}

func validate(data []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile scenario schema: %w", err)
	}
	var doc any
	if err := yamlParser.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	// Round trip through JSON so the validator sees JSON types only.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	var jdoc any
	if err := json.Unmarshal(raw, &jdoc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := schema.Validate(jdoc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// Catalog is the immutable set of scenarios a server offers, keyed by id.
type Catalog struct {
	byID map[string]*Scenario
	ids  []string
}

// NewCatalog indexes the given scenarios. Duplicate ids are an error.
func NewCatalog(scenarios ...*Scenario) (*Catalog, error) {
	c := &Catalog{byID: make(map[string]*Scenario, len(scenarios))}
	for _, sc := range scenarios {
		if _, dup := c.byID[sc.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate scenario id %q", ErrInvalid, sc.ID)
		}
		c.byID[sc.ID] = sc
		c.ids = append(c.ids, sc.ID)
	}
	sort.Strings(c.ids)
	return c, nil
}

// LoadDir loads every .yaml and .yml file in dir. The first bad file fails
// the whole load.
func LoadDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}
	var scenarios []*Scenario
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		sc, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, sc)
	}
	return NewCatalog(scenarios...)
}

// Get returns the scenario with the given id.
func (c *Catalog) Get(id string) (*Scenario, error) {
	sc, ok := c.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}
	return sc, nil
}

// IDs returns the scenario ids in sorted order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.ids...)
}

// Len returns the number of scenarios.
func (c *Catalog) Len() int { return len(c.ids) }
