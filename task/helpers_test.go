package task

import "github.com/havocp/hrt-go/loop"

// testKind pins tests to the portable poll(2) backend so they behave
// identically regardless of host OS.
const testKind = loop.KindGlib
