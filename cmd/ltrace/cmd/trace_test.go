// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"reflect"
	"testing"
)

func TestParsePidList(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want []int32
	}{
		{"", nil},
		{"42", []int32{42}},
		{"1,2,3", []int32{1, 2, 3}},
		{" 1 , 2 ,3", []int32{1, 2, 3}},
		{"1,,2", []int32{1, 2}},
	} {
		got, err := parsePidList(tc.in)
		if err != nil {
			t.Fatalf("parsePidList(%q) error = %v", tc.in, err)
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Errorf("parsePidList(%q) = %v; want %v", tc.in, got, tc.want)
		}
	}
}

func TestParsePidListRejectsGarbage(t *testing.T) {
	if _, err := parsePidList("1,not-a-pid"); err == nil {
		t.Fatalf("parsePidList(\"1,not-a-pid\") succeeded; want error")
	}
}
