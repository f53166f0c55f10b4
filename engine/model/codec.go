// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package model

import (
	"bytes"

	"github.com/pingcap/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// Marshal encodes v with msgpack. Map keys are sorted so that equal values
// always produce equal bytes.
func Marshal(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, errors.Trace(err)
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data produced by Marshal into v. Untyped numbers decode
// to int64, uint64 or float64 and untyped maps to map[string]interface{}.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return errors.Trace(dec.Decode(v))
}

// Convert re-decodes src into dst, e.g. a decoded map into a struct.
func Convert(src, dst interface{}) error {
	data, err := Marshal(src)
	if err != nil {
		return err
	}
	return Unmarshal(data, dst)
}
