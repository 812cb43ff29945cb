// Package pipeline enumerates the analytics pipelines the daemon can launch
// and builds their subprocess invocations. Run parameters are normalized here
// so that fingerprinting and command construction agree on what "identical
// request" means.
package pipeline
