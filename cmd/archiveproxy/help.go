package main

import "github.com/creachadair/command"

var helpTopics = []command.HelpTopic{
	{
		Name: "policies",
		Help: `How the download, serve, and archive policies interact.

-d (download), -s (serve), and -a (archive) each take one of a small set
of values and are evaluated together for every request:

   -d standard|always|never   when to go to the network
   -s latest|last_archived|first_archived   which archived copy to prefer
   -a latest|first|latest_and_first|requested   what append_unrequested_files keeps

"-d never -s latest" replays a recorded session with no further network
access at all. "-d always" always refreshes from the origin and appends the
new copy to the archive. The default ("-d standard -s latest -a latest")
downloads anything not yet archived or expired, and serves the freshest copy
otherwise.`,
	},
	{
		Name: "mirror",
		Help: `Mirroring the archive to S3.

When --mirror-bucket is set, the finished archive is uploaded to that bucket
(under --mirror-prefix, if given) when the session ends. If -i names a
file that does not exist locally, it is first downloaded from the same
location before the session starts, so a recording made on one machine can
be replayed on another without manually copying the archive file.

This requires AWS credentials in the environment or an attached role; see
the AWS SDK's default credential chain documentation.`,
	},
	{
		Name: "endpoints",
		Help: `Well-known endpoints served by the proxy itself.

   /__webrecorder.js           injected bootstrap script
   /__webrecorder_setcookie    POST body is stored as a cookie for the current origin host
   /__webrecorder_exit         shuts the proxy down

These paths are never looked up in the archive or forwarded upstream.`,
	},
}
