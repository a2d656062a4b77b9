package version

// Version indicates which version of the binary is running.
var Version = "0.1.0+dev"

// GitCommit indicates which git hash the binary was built off of
var GitCommit string
