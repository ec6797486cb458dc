package main

import (
	"fmt"
	"strconv"
)

// set with -ldflags "-X main.gitSHA1=..."
var (
	version   string = "0.1.0"
	gitSHA1   string = "unknown"
	gitDirty  string = "unknown"
	buildID   string = "unknown"
	buildDate string = "unknown"
)

// Version is the release with the git commit and working tree status when known.
func Version() string {
	v := version
	if sha1Int, err := strconv.ParseInt(gitSHA1, 16, 64); err == nil && sha1Int != 0 {
		v = fmt.Sprintf("%s (git:%s", v, gitSHA1)
		if dirtyInt, err := strconv.ParseInt(gitDirty, 10, 64); err == nil && dirtyInt != 0 {
			v += "-dirty"
		}
		v += ")"
	}
	return v
}

func BuildIDRaw() string {
	return buildID + buildDate + gitSHA1 + gitDirty
}
