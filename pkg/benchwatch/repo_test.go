package benchwatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseRepo(t *testing.T) {
	values := []struct {
		input string

		owner string
		name  string
	}{
		{"mirage/index", "mirage", "index"},
		{"https://github.com/mirage/index", "mirage", "index"},
		{"https://github.com/mirage/index.git", "mirage", "index"},
		{"http://github.com/mirage/index/", "mirage", "index"},
		{"github.com/mirage/index", "mirage", "index"},
	}

	for _, v := range values {
		repo, err := ParseRepo(v.input)
		assert.Nilf(t, err, "ParseRepo returned an error for %q", v.input)
		assert.Equalf(t, v.owner, repo.Owner, "Wrong owner for %q", v.input)
		assert.Equalf(t, v.name, repo.Name, "Wrong name for %q", v.input)
	}
}

func TestParseRepoInvalid(t *testing.T) {
	values := []string{
		"",
		"mirage",
		"mirage/",
		"/index",
		"mirage/index/extra",
		"https://github.com/",
	}

	for _, v := range values {
		_, err := ParseRepo(v)
		assert.NotNilf(t, err, "ParseRepo accepted invalid repository %q", v)
	}
}

func TestCloneURL(t *testing.T) {
	repo := RepoRef{Owner: "mirage", Name: "index"}

	assert.Equal(t, "https://github.com/mirage/index.git", repo.CloneURL(), "Wrong clone URL")
	assert.Equal(t, "mirage/index", repo.String(), "Wrong string representation")
}

func TestParseLsRemoteHead(t *testing.T) {
	values := []struct {
		output string
		hash   string
	}{
		{"80a3a0394dbeb1e186f0b4f0e76090e9cf9b86ae\tHEAD\n", "80a3a0394dbeb1e186f0b4f0e76090e9cf9b86ae"},
		{"80a3a0394dbeb1e186f0b4f0e76090e9cf9b86ae\tHEAD\nother\trefs/heads/dev\n", "80a3a0394dbeb1e186f0b4f0e76090e9cf9b86ae"},
		{"", ""},
		{"no tab here\n", ""},
	}

	for i, v := range values {
		assert.Equalf(t, v.hash, parseLsRemoteHead(v.output), "Wrong hash parsed for test %d", i)
	}
}
