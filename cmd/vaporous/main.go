// Command vaporous uploads local, S3 and SFTP folder trees to a vaporous
// file server.
//
// Sub-commands:
//
//	vaporous upload <source>   Collect a source and upload it
//	vaporous ls <source>       List what would be uploaded
//	vaporous watch <dir>       Upload whatever is dropped into a folder
//	vaporous login             Log in and save the session
//	vaporous logout            Forget the saved session
//	vaporous version           Print the version
package main

import (
	"os"

	"github.com/EPiC-Inc/vaporous/internal/cli"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(cli.Execute(version))
}
