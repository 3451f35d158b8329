// Package parser turns buffered extended-event payloads into structured
// snapshot rows. Each parser understands one event shape; malformed
// payloads are skipped with a warning rather than failing the batch, so
// one corrupt event cannot wedge the buffer.
package parser

import "encoding/xml"

// xeEvent is the outer element every ring-buffer payload carries. Typed
// event fields live in <data> children keyed by name.
type xeEvent struct {
	Name      string   `xml:"name,attr"`
	Timestamp string   `xml:"timestamp,attr"`
	Data      []xeData `xml:"data"`
}

type xeData struct {
	Name  string     `xml:"name,attr"`
	Value innerValue `xml:"value"`
}

// innerValue defers the value body so each parser can shred it with its
// own element structs.
type innerValue struct {
	Inner string `xml:",innerxml"`
}

func (e *xeEvent) dataValue(name string) (string, bool) {
	for _, d := range e.Data {
		if d.Name == name {
			return d.Value.Inner, true
		}
	}
	return "", false
}

func unmarshalEvent(payload string) (*xeEvent, error) {
	var ev xeEvent
	if err := xml.Unmarshal([]byte(payload), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
