//go:build !nogpu

package main

import _ "github.com/gogpu/tsdf/gpu" // fuse depth-only volumes on the GPU when one is available
