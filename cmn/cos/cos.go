// Package cos ("common small") holds miscellaneous helpers shared
// across the runtime: id generation and small string-joining utilities.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"strings"

	"github.com/teris-io/shortid"
)

var gen *shortid.Shortid

func init() {
	var err error
	gen, err = shortid.New(1, shortid.DefaultABC, 0xBEEF)
	if err != nil {
		// DefaultABC + fixed seed can never fail to construct.
		panic(err)
	}
}

// GenID returns a short, collision-resistant id, used for element
// load-balance ids.
func GenID() string {
	id, _ := gen.Generate()
	return id
}

// JoinWords joins path-like segments with '/', skipping empty ones.
func JoinWords(words ...string) string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if w != "" {
			out = append(out, w)
		}
	}
	return strings.Join(out, "/")
}
