package version

// Version is set at build time with -ldflags.
var Version string = "0.0.0"
