/*
Package benchwatch watches a repository's default branch and benchmarks every new head commit inside an isolated docker container.

The easiest way to use the package is through a [Watcher], whose exported fields hold the watch parameters.
[Watcher.Run] then evaluates the repository head at startup, on a polling interval and whenever a push event is handed in via [Watcher.Trigger], typically from a github webhook.
At most one benchmark is in flight at any time, and a head whose commit and build recipe are unchanged since the last completed evaluation is not benchmarked again.

A single evaluation can also be driven by hand:
  - [NewFetcher] clones the repository and checks out the head commit's tree
  - [BuildRecipe] derives the deterministic dockerfile the benchmark image is built from
  - [Pipeline.RunOnce] builds the image, unless an identical commit and recipe were built before, runs the benchmark and persists its result
  - [Notifier.Notify] posts the captured result to a Slack webhook

The benchmark container is shielded from the rest of the host.
Its CPU core and NUMA memory node can be pinned and /dev/shm is mounted as a size-bounded tmpfs.
Address-space randomization is turned off through setarch, which a bundled seccomp profile permits inside the container.
*/
package benchwatch
