// Package codec serializes workflow inputs, activity payloads and results.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"github.com/stephenfire/go-rtl"
)

var ErrNotPointer = errors.New("decode target must be a non-nil pointer")

// Encode returns nil for a nil value so empty payloads stay empty in the history.
func Encode(value any) ([]byte, error) {
	if value == nil {
		return nil, nil
	}

	// just get the real one
	if rv := reflect.ValueOf(value); rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, nil
		}
		value = rv.Elem().Interface()
	}

	buf := new(bytes.Buffer)
	if err := rtl.Encode(value, buf); err != nil {
		return nil, fmt.Errorf("encode %T: %w", value, err)
	}
	return buf.Bytes(), nil
}

// DecodeInto leaves target untouched when data is empty.
func DecodeInto(data []byte, target any) error {
	rv := reflect.ValueOf(target)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return ErrNotPointer
	}
	if len(data) == 0 {
		return nil
	}
	if err := rtl.Decode(bytes.NewBuffer(data), target); err != nil {
		return fmt.Errorf("decode %s: %w", rv.Elem().Type(), err)
	}
	return nil
}

func Decode[T any](data []byte) (T, error) {
	var out T
	err := DecodeInto(data, &out)
	return out, err
}
