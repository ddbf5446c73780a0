package locate

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"ingest/internal/config"
	csvparser "ingest/internal/parser/csv"
	"ingest/internal/transform"
)

// decodeXML turns an XML document into the same generic shape the JSON
// decoder produces: elements become map[string]any keyed by local name,
// repeated siblings collapse into []any, and text-only elements become
// strings. Attributes are dropped; the feeds we consume carry their data in
// element bodies.
func decodeXML(r io.Reader) (map[string]any, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("no root element")
		}
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			v, err := decodeElement(dec, start)
			if err != nil {
				return nil, err
			}
			m, ok := v.(map[string]any)
			if !ok {
				m = map[string]any{start.Name.Local: v}
			}
			return m, nil
		}
	}
}

func decodeElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	children := map[string]any{}
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(dec, t)
			if err != nil {
				return nil, err
			}
			name := t.Name.Local
			switch prev := children[name].(type) {
			case nil:
				children[name] = child
			case []any:
				children[name] = append(prev, child)
			default:
				children[name] = []any{prev, child}
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(children) > 0 {
				return children, nil
			}
			s := strings.TrimSpace(text.String())
			if s == "" {
				return nil, nil
			}
			return s, nil
		}
	}
}

func readCSVBody(ctx context.Context, body io.Reader) ([]transform.Record, error) {
	return csvparser.ReadRecords(ctx, body, config.Options{}, nil)
}
