package version

// Value is overridden at build time with -ldflags "-X".
var Value = "dev"
