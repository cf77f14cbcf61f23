package schema

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// synonymsFile is the YAML override shape:
//
//	line_items:
//	  - code: operating_revenue
//	    synonyms: ["主营业务收入"]
//	  - code: rd_expense
//	    synonyms: ["研发费用", "R&D expense"]
//
// Known codes gain synonyms; unknown codes become new line items.
type synonymsFile struct {
	LineItems []LineItem `yaml:"line_items"`
}

// LoadSynonyms merges the override file at path into the default
// taxonomy. An empty path returns the defaults unchanged.
func LoadSynonyms(path string) ([]LineItem, error) {
	items := DefaultTaxonomy()
	if path == "" {
		return items, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "schema: read synonyms file %s", path)
	}
	var f synonymsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrapf(err, "schema: parse synonyms file %s", path)
	}

	byCode := make(map[string]int, len(items))
	for i, item := range items {
		byCode[item.Code] = i
	}
	for _, extra := range f.LineItems {
		if extra.Code == "" {
			return nil, eris.Errorf("schema: synonyms file %s: entry without code", path)
		}
		if i, ok := byCode[extra.Code]; ok {
			items[i].Synonyms = append(items[i].Synonyms, extra.Synonyms...)
			continue
		}
		byCode[extra.Code] = len(items)
		items = append(items, extra)
	}
	return items, nil
}
