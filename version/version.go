package version

// Version is overridden at build time with -ldflags "-X stalehunt/version.Version=...".
var Version = "dev"
