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
package reference_test

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/grailbio/biopipe/reference"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testFasta = ">chr1 first contig\nACGT\nAC\n>chr2\nGGGG\n"
	testFai   = "chr1\t6\t19\t4\t5\nchr2\t4\t33\t4\t5\n"
)

func TestGenerateIndex(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, reference.GenerateIndex(&buf, strings.NewReader(testFasta)))
	expect.EQ(t, buf.String(), testFai)
}

func TestGenerateIndexErrors(t *testing.T) {
	for _, fa := range []string{"", "ACGT\n>chr1\nAC\n", ">\nACGT\n"} {
		var buf bytes.Buffer
		expect.NotNil(t, reference.GenerateIndex(&buf, strings.NewReader(fa)), fa)
	}
}

func TestReadIndex(t *testing.T) {
	x, err := reference.ReadIndex(strings.NewReader(testFai))
	require.NoError(t, err)
	expect.EQ(t, x.Names(), []string{"chr1", "chr2"})
	n, err := x.Len("chr2")
	require.NoError(t, err)
	expect.EQ(t, n, int64(4))
	_, err = x.Len("chrX")
	expect.NotNil(t, err)
	expect.EQ(t, x.Order(), map[string]int{"chr1": 0, "chr2": 1})

	_, err = reference.ReadIndex(strings.NewReader(testFai + "chr1\t1\t1\t1\t2\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestLoadIndexGenerates(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer testutil.NoCleanupOnError(t, cleanup, tmpdir)
	ctx := context.Background()

	fa := filepath.Join(tmpdir, "ref.fa")
	require.NoError(t, ioutil.WriteFile(fa, []byte(testFasta), 0644))
	x, err := reference.LoadIndex(ctx, fa)
	require.NoError(t, err)
	expect.EQ(t, x.Names(), []string{"chr1", "chr2"})
	got, err := ioutil.ReadFile(reference.IndexPath(fa))
	require.NoError(t, err)
	expect.EQ(t, string(got), testFai)

	// An existing index is used as is.
	old := time.Now().Add(-time.Hour)
	require.NoError(t, ioutil.WriteFile(reference.IndexPath(fa), []byte("chrM\t16571\t6\t60\t61\n"), 0644))
	require.NoError(t, os.Chtimes(reference.IndexPath(fa), old, old))
	x, err = reference.LoadIndex(ctx, fa)
	require.NoError(t, err)
	expect.EQ(t, x.Names(), []string{"chrM"})
}
