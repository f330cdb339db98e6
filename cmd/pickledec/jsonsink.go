package main

import (
	"encoding/json"
	"fmt"
	"io"
)

// streamJSONSink is a minimal pickledec.JSONSink that writes compact JSON
// directly to an io.Writer as each structural call arrives, rather than
// building an intermediate tree first: encoding/json's own Encoder has no
// incremental Begin/End API for nested arrays and objects, so this tracks
// just enough state (a stack of array/object frames, each counting how
// many items it has seen) to know where a comma belongs.
type streamJSONSink struct {
	w     io.Writer
	err   error
	stack []*jsonFrame
}

type jsonFrame struct {
	isObject bool
	count    int
	afterKey bool
}

func newStreamJSONSink(w io.Writer) *streamJSONSink {
	return &streamJSONSink{w: w}
}

func (s *streamJSONSink) write(b []byte) {
	if s.err != nil {
		return
	}
	_, s.err = s.w.Write(b)
}

func (s *streamJSONSink) writeString(str string) {
	s.write([]byte(str))
}

func (s *streamJSONSink) top() *jsonFrame {
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

// beforeValue writes the comma needed before a scalar, object, or array
// value at the current nesting level, and marks the containing object's
// current key/value pair as satisfied.
func (s *streamJSONSink) beforeValue() error {
	f := s.top()
	if f == nil {
		return nil
	}
	if f.isObject {
		if !f.afterKey {
			return fmt.Errorf("streamJSONSink: value written without a preceding Key")
		}
		f.afterKey = false
		f.count++
		return nil
	}
	if f.count > 0 {
		s.writeString(",")
	}
	f.count++
	return s.err
}

func (s *streamJSONSink) BeginObject() error {
	if err := s.beforeValue(); err != nil {
		return err
	}
	s.writeString("{")
	s.stack = append(s.stack, &jsonFrame{isObject: true})
	return s.err
}

func (s *streamJSONSink) EndObject() error {
	s.stack = s.stack[:len(s.stack)-1]
	s.writeString("}")
	return s.err
}

func (s *streamJSONSink) BeginArray() error {
	if err := s.beforeValue(); err != nil {
		return err
	}
	s.writeString("[")
	s.stack = append(s.stack, &jsonFrame{})
	return s.err
}

func (s *streamJSONSink) EndArray() error {
	s.stack = s.stack[:len(s.stack)-1]
	s.writeString("]")
	return s.err
}

func (s *streamJSONSink) Key(name string) error {
	f := s.top()
	if f == nil || !f.isObject {
		return fmt.Errorf("streamJSONSink: Key written outside an object")
	}
	if f.count > 0 {
		s.writeString(",")
	}
	b, err := json.Marshal(name)
	if err != nil {
		return err
	}
	s.write(b)
	s.writeString(":")
	f.afterKey = true
	return s.err
}

func (s *streamJSONSink) Value(v any) error {
	if err := s.beforeValue(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.write(b)
	return s.err
}
