package benchwatch

import (
	"fmt"

	_ "crypto/sha256"

	"github.com/opencontainers/go-digest"
)

// Fixed parts of the benchmark image build. The system packages cover the
// native libraries the benchmark's dependencies link against.
const (
	buildUser      = "opam"
	buildWorkdir   = "bench-dir"
	systemPackages = "libffi-dev liblmdb-dev m4 pkg-config"

	benchTarget = "./bench/bench.exe"                // The dune target of the benchmark executable
	benchBinary = "./_build/default/bench/bench.exe" // Where the built benchmark executable ends up
)

// A Recipe describes how the benchmark image of a source tree is built. It is
// derived from the base image alone, two recipes with the same base image
// render byte-identical dockerfiles.
type Recipe struct {
	BaseImage string // The resolved image reference the build starts from
}

// BuildRecipe returns the recipe building the benchmark on top of the passed
// base image. Passing the pulled image's ID rather than its tag ties the
// recipe to the exact base contents.
func BuildRecipe(baseImage string) Recipe {
	return Recipe{BaseImage: baseImage}
}

// Dockerfile renders the recipe's build steps. The project's dependencies,
// including its test and benchmark ones, are installed on a first copy of the
// tree before the remaining sources are copied in.
func (r Recipe) Dockerfile() string {
	return fmt.Sprintf(`FROM %[1]s
RUN sudo apt-get update && sudo apt-get install -qq -yy %[2]s
COPY --chown=%[3]s:%[3]s . ./%[4]s/
WORKDIR %[4]s
RUN opam install -y --deps-only -t .
COPY --chown=%[3]s:%[3]s . .
RUN opam exec -- dune build %[5]s @default
`, r.BaseImage, systemPackages, buildUser, buildWorkdir, benchTarget)
}

// Digest returns the recipe's fingerprint, which tells images built from
// different recipes apart.
func (r Recipe) Digest() string {
	return digest.FromString(r.Dockerfile()).Encoded()
}
