// Program archiveproxy is a local HTTP recording/replaying proxy: point
// a browser at its loopback address and it transparently records every
// request/response into a ZIP archive, or replays one recorded earlier.
package main

import (
	"log"
	"os"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
)

func main() {
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	root := &command.C{
		Name:  command.ProgramName(),
		Usage: "[-u url] [-o archive.zip] [options]\nhelp",
		Help: `Record or replay a browsing session through a local HTTP proxy.

Point a browser (or any HTTP client) at the address this program prints on
startup. Every request is checked against the archive named by -i or -f;
depending on -d (download policy) and -s (serve policy), the proxy serves
the archived response, fetches it from the origin, or both. Responses are
persisted into the archive named by -o or -f as they are seen.

You must provide -i, -f, or -u, so there is a URL to start from (an input
archive supplies its recorded URL), and an archive to read from or write to
(-u alone derives an output file name from the URL).

For example, to record a session:

    ` + command.ProgramName() + ` -u https://example.com -o session.zip

And to replay it later with no further network access:

    ` + command.ProgramName() + ` -i session.zip -d never`,

		SetFlags: command.Flags(flax.MustBind, &flags),
		Run:      command.Adapt(run),

		Commands: []*command.C{
			command.HelpCommand(helpTopics),
			command.VersionCommand(),
		},
	}
	command.RunOrFail(root.NewEnv(nil), os.Args[1:])
}
