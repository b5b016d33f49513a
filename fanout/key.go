// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fanout

import (
	"fmt"
	"strings"
)

// keySep separates dimension values inside a PartitionKey.  It cannot occur in
// chromosome, variant type or sample names.
const keySep = "\x00"

// PartitionKey identifies one unit of fan-out work, e.g. (chr1, DEL).  It is
// comparable and can be used as a map key.
type PartitionKey struct {
	key string
}

// Key builds a PartitionKey from its dimension values.  It panics if no value
// is given, or if a value is empty or contains a NUL byte.
func Key(values ...string) PartitionKey {
	if len(values) == 0 {
		panic("fanout: empty partition key")
	}
	for _, v := range values {
		if v == "" || strings.Contains(v, keySep) {
			panic(fmt.Sprintf("fanout: invalid partition key value %q", v))
		}
	}
	return PartitionKey{strings.Join(values, keySep)}
}

// Values returns the key's dimension values in order.
func (k PartitionKey) Values() []string {
	if k.key == "" {
		return nil
	}
	return strings.Split(k.key, keySep)
}

// IsZero reports whether k is the zero PartitionKey.
func (k PartitionKey) IsZero() bool { return k.key == "" }

// String joins the key's values with "/", e.g. "chr1/DEL".
func (k PartitionKey) String() string {
	return strings.Replace(k.key, keySep, "/", -1)
}

// Product returns one key per element of the cartesian product of dims.  The
// first dimension varies slowest.  Product returns nil if any dimension is
// empty.
func Product(dims ...[]string) []PartitionKey {
	if len(dims) == 0 {
		return nil
	}
	n := 1
	for _, d := range dims {
		n *= len(d)
	}
	if n == 0 {
		return nil
	}
	keys := make([]PartitionKey, 0, n)
	values := make([]string, len(dims))
	var rec func(level int)
	rec = func(level int) {
		if level == len(dims) {
			keys = append(keys, Key(values...))
			return
		}
		for _, v := range dims[level] {
			values[level] = v
			rec(level + 1)
		}
	}
	rec(0)
	return keys
}
