// Copyright 2023 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package testutil

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestWriteReadFiles(t *testing.T) {
	dir := TempDir(t)

	files := map[string]string{
		"a.spec":         "#!/bin/sh\nexit 0\n",
		"sub/dir/b.json": `{"x":1}`,
	}
	if err := WriteFiles(dir, files); err != nil {
		t.Fatal(err)
	}

	got, err := ReadFiles(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, files) {
		t.Errorf("ReadFiles() = %v; want %v", got, files)
	}

	fi, err := os.Stat(filepath.Join(dir, "a.spec"))
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode()&0111 == 0 {
		t.Errorf("Script mode = %v; want executable", fi.Mode())
	}
}
