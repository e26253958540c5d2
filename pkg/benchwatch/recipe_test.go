package benchwatch

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildRecipeDeterministic(t *testing.T) {
	first := BuildRecipe("ocaml/opam2")
	second := BuildRecipe("ocaml/opam2")

	assert.Equal(t, first.Dockerfile(), second.Dockerfile(), "Dockerfiles of identical recipes differ")
	assert.Equal(t, first.Digest(), second.Digest(), "Digests of identical recipes differ")
}

func TestRecipeDockerfile(t *testing.T) {
	dockerfile := BuildRecipe("sha256:0a1b2c").Dockerfile()
	lines := strings.Split(strings.TrimSpace(dockerfile), "\n")

	assert.Equal(t, "FROM sha256:0a1b2c", lines[0], "Dockerfile does not start from the base image")
	assert.Contains(t, dockerfile, "apt-get install -qq -yy libffi-dev liblmdb-dev m4 pkg-config", "Dockerfile misses the system packages")
	assert.Contains(t, dockerfile, "COPY --chown=opam:opam . ./bench-dir/", "Dockerfile misses the owned source copy")
	assert.Contains(t, dockerfile, "RUN opam install -y --deps-only -t .", "Dockerfile misses the dependency install")
	assert.Contains(t, dockerfile, "RUN opam exec -- dune build ./bench/bench.exe @default", "Dockerfile misses the benchmark build")

	// Dependencies are installed before the full tree is copied in
	installOffset := strings.Index(dockerfile, "opam install")
	fullCopyOffset := strings.LastIndex(dockerfile, "COPY --chown=opam:opam . .")
	assert.Less(t, installOffset, fullCopyOffset, "Dependency install does not precede the full source copy")
}

func TestRecipeDigestChangesWithBaseImage(t *testing.T) {
	values := []struct {
		baseA string
		baseB string

		equal bool
	}{
		{"ocaml/opam2", "ocaml/opam2", true},
		{"ocaml/opam2", "ocaml/opam2:alpine", false},
		{"sha256:aaaa", "sha256:bbbb", false},
	}

	for i, v := range values {
		digestA := BuildRecipe(v.baseA).Digest()
		digestB := BuildRecipe(v.baseB).Digest()

		if v.equal {
			assert.Equalf(t, digestA, digestB, "Digests differ for test %d", i)
		} else {
			assert.NotEqualf(t, digestA, digestB, "Digests do not differ for test %d", i)
		}
	}
}
