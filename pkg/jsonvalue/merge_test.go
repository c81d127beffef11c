package jsonvalue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMerge(t *testing.T) {
	tests := []struct {
		name string
		dst  string
		src  string
		want string
	}{
		{
			name: "into empty object",
			dst:  `{}`,
			src:  `{"meta":{"pageNumber":"1"},"results":[1,2]}`,
			want: `{"meta":{"pageNumber":"1"},"results":[1,2]}`,
		},
		{
			name: "arrays concatenate",
			dst:  `{"results":[1,2]}`,
			src:  `{"results":[3]}`,
			want: `{"results":[1,2,3]}`,
		},
		{
			name: "scalars overwrite",
			dst:  `{"title":"first","n":1}`,
			src:  `{"title":"second"}`,
			want: `{"title":"second","n":1}`,
		},
		{
			name: "objects merge recursively",
			dst:  `{"meta":{"pageNumber":"1","resultCount":"25","pageSize":"25"}}`,
			src:  `{"meta":{"pageNumber":"2","resultCount":"0"}}`,
			want: `{"meta":{"pageNumber":"2","resultCount":"0","pageSize":"25"}}`,
		},
		{
			name: "null overwrites",
			dst:  `{"a":1}`,
			src:  `{"a":null}`,
			want: `{"a":null}`,
		},
		{
			name: "kind change replaces",
			dst:  `{"a":[1]}`,
			src:  `{"a":{"b":2}}`,
			want: `{"a":{"b":2}}`,
		},
		{
			name: "new keys append in source order",
			dst:  `{"a":1}`,
			src:  `{"c":3,"b":2}`,
			want: `{"a":1,"c":3,"b":2}`,
		},
		{
			name: "nested arrays concatenate",
			dst:  `{"meta":{"tags":["a"]}}`,
			src:  `{"meta":{"tags":["b"]}}`,
			want: `{"meta":{"tags":["a","b"]}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := mustParse(t, tt.dst)
			require.NoError(t, Merge(dst, mustParse(t, tt.src)))
			assert.Equal(t, tt.want, encode(t, dst))
		})
	}
}

func TestMerge_AccumulatesAcrossPages(t *testing.T) {
	merged := NewObject()
	pages := []string{
		`{"meta":{"pageNumber":"1","resultCount":"2"},"results":[{"id":1},{"id":2}]}`,
		`{"meta":{"pageNumber":"2","resultCount":"1"},"results":[{"id":3}]}`,
		`{"meta":{"pageNumber":"3","resultCount":"0"},"results":[]}`,
	}
	for _, p := range pages {
		require.NoError(t, Merge(merged, mustParse(t, p)))
	}

	results, ok := merged.Get("results")
	require.True(t, ok)
	assert.Equal(t, 3, results.Len())

	pageNumber, ok := merged.Lookup("meta", "pageNumber")
	require.True(t, ok)
	text, _ := pageNumber.Text()
	assert.Equal(t, "3", text)
}

func TestMerge_RejectsNonObjects(t *testing.T) {
	assert.Error(t, Merge(NewArray(), NewObject()))
	assert.Error(t, Merge(NewObject(), NewArray()))
	assert.Error(t, Merge(nil, NewObject()))
}
