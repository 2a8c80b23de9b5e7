// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bigaxes

import (
	"fmt"
	"sort"
	"strings"
)

// Params are the named arguments passed to a task. Values that cross
// machine boundaries must be gob-encodable, and their concrete types
// registered with gob.
type Params map[string]interface{}

// With returns a copy of p in which name is bound to v. A nil p is
// treated as empty.
func (p Params) With(name string, v interface{}) Params {
	q := make(Params, len(p)+1)
	for k, x := range p {
		q[k] = x
	}
	q[name] = v
	return q
}

// Has tells whether p binds name.
func (p Params) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// String returns the parameter names and values, sorted by name.
func (p Params) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, p[k])
	}
	return "{" + strings.Join(parts, " ") + "}"
}
