package vfolder

import "encoding/xml"

// QueryKind tags which variant of the boolean predicate tree a Query node
// is - the "tagged union by enum + union in C" pattern (spec §9), modelled
// here as a small tagged struct rather than an interface hierarchy, since
// every node shares the same Not modifier and Eval signature.
type QueryKind int

const (
	QueryAnd QueryKind = iota
	QueryOr
	QueryKeyword
	QueryFilename
)

// Query is an immutable boolean predicate over a FileEntry (spec §4.8).
// A nil *Query evaluates to false everywhere it is consulted, matching the
// spec's "missing queries are treated as constant-false".
type Query struct {
	Kind     QueryKind
	Not      bool
	Children []*Query // only for And/Or
	Keyword  string   // only for Keyword
	Filename string   // only for Filename
}

// Eval reports whether entry satisfies this query. An And node with no
// children (the zero Query) is false.
func (q *Query) Eval(entry *FileEntry) bool {
	if q == nil {
		return false
	}
	var result bool
	switch q.Kind {
	case QueryAnd:
		result = len(q.Children) > 0
		for _, c := range q.Children {
			if !c.Eval(entry) {
				result = false
				break
			}
		}
	case QueryOr:
		for _, c := range q.Children {
			if c.Eval(entry) {
				result = true
				break
			}
		}
	case QueryKeyword:
		result = entry.HasKeyword(q.Keyword)
	case QueryFilename:
		result = entry.Basename == q.Filename
	}
	if q.Not {
		result = !result
	}
	return result
}

// UnmarshalXML decodes the single boolean-connective child element a
// <Query> wraps (§6's `Or | And` grammar line). encoding/xml has no
// built-in support for decoding a "one of several element names" union, so
// this reads the wrapper's inner tokens and dispatches on the first child
// element's name, recursing through decodeQueryNode for nested
// And/Or/Not - the same node-by-node approach the original's
// query-from-xmlnode C function takes.
func (q *Query) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		if child, ok := tok.(xml.StartElement); ok {
			node, err := decodeQueryNode(d, child)
			if err != nil {
				return err
			}
			*q = *node
			// drain to the matching end element of start.
			return skipToEnd(d, start.Name)
		}
		if end, ok := tok.(xml.EndElement); ok && end.Name == start.Name {
			// Empty <Query/> - constant false, per spec.
			*q = Query{}
			return nil
		}
	}
}

// decodeQueryNode builds one Query node from the element named by start,
// consuming tokens up to and including its matching end element.
func decodeQueryNode(d *xml.Decoder, start xml.StartElement) (*Query, error) {
	switch start.Name.Local {
	case "And", "Or":
		q := &Query{Kind: kindFor(start.Name.Local)}
		for {
			tok, err := d.Token()
			if err != nil {
				return nil, err
			}
			switch t := tok.(type) {
			case xml.StartElement:
				child, err := decodeQueryNode(d, t)
				if err != nil {
					return nil, err
				}
				q.Children = append(q.Children, child)
			case xml.EndElement:
				if t.Name == start.Name {
					return q, nil
				}
			}
		}
	case "Keyword":
		var text string
		if err := d.DecodeElement(&text, &start); err != nil {
			return nil, err
		}
		return &Query{Kind: QueryKeyword, Keyword: text}, nil
	case "Filename":
		var text string
		if err := d.DecodeElement(&text, &start); err != nil {
			return nil, err
		}
		return &Query{Kind: QueryFilename, Filename: text}, nil
	case "Not":
		for {
			tok, err := d.Token()
			if err != nil {
				return nil, err
			}
			if inner, ok := tok.(xml.StartElement); ok {
				child, err := decodeQueryNode(d, inner)
				if err != nil {
					return nil, err
				}
				child.Not = !child.Not
				if err := skipToEnd(d, start.Name); err != nil {
					return nil, err
				}
				return child, nil
			}
			if end, ok := tok.(xml.EndElement); ok && end.Name == start.Name {
				return &Query{}, nil
			}
		}
	default:
		// Unknown element inside a Query: skip it entirely and report an
		// always-false leaf, rather than failing the whole document.
		if err := d.Skip(); err != nil {
			return nil, err
		}
		return &Query{}, nil
	}
}

func kindFor(name string) QueryKind {
	if name == "And" {
		return QueryAnd
	}
	return QueryOr
}

// skipToEnd consumes tokens until the end element matching name, used after
// a node has already consumed its own end element but the caller's wrapper
// element (e.g. the outer <Query> or <Not>) still needs closing.
func skipToEnd(d *xml.Decoder, name xml.Name) error {
	depth := 0
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name == name {
				depth++
			}
		case xml.EndElement:
			if t.Name == name {
				if depth == 0 {
					return nil
				}
				depth--
			}
		}
	}
}

// MarshalXML writes the query back out as the `Or|And` + leaf grammar,
// wrapped by whatever element name the encoder invoked us with (the
// Folder's `Query` field).
func (q *Query) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	if q == nil || q.Kind == QueryAnd && len(q.Children) == 0 && !q.Not {
		return nil
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	if err := encodeQueryNode(e, q); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

func encodeQueryNode(e *xml.Encoder, q *Query) error {
	if q.Not {
		wrapped := *q
		wrapped.Not = false
		notStart := xml.StartElement{Name: xml.Name{Local: "Not"}}
		if err := e.EncodeToken(notStart); err != nil {
			return err
		}
		if err := encodeQueryNode(e, &wrapped); err != nil {
			return err
		}
		return e.EncodeToken(notStart.End())
	}
	switch q.Kind {
	case QueryAnd, QueryOr:
		name := "Or"
		if q.Kind == QueryAnd {
			name = "And"
		}
		start := xml.StartElement{Name: xml.Name{Local: name}}
		if err := e.EncodeToken(start); err != nil {
			return err
		}
		for _, c := range q.Children {
			if err := encodeQueryNode(e, c); err != nil {
				return err
			}
		}
		return e.EncodeToken(start.End())
	case QueryKeyword:
		return e.EncodeElement(q.Keyword, xml.StartElement{Name: xml.Name{Local: "Keyword"}})
	case QueryFilename:
		return e.EncodeElement(q.Filename, xml.StartElement{Name: xml.Name{Local: "Filename"}})
	}
	return nil
}
