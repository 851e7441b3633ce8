package transfer

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/opine/edgesync/internal/config"
)

// exit 24: some source files vanished before they could be transferred
const exitVanished = 24

var bytesSentRe = regexp.MustCompile(`Total bytes sent:\s*([\d,.]+)([KMGTPE]?)`)

// buildArgs returns the rsync argument list for a rule. Incremental transfers
// read their path list from stdin.
func buildArgs(rule *config.Rule, exclusions []string, full bool) []string {
	t := rule.Transport

	var args []string
	if t.IsArchive() {
		args = append(args, "-a")
	} else {
		args = append(args, "-rlt")
	}
	args = append(args, "--checksum", "--stats")
	if t.IsCompress() {
		args = append(args, "-z")
	}
	if t.IsPreserveOwner() {
		args = append(args, "--owner", "--group", "--perms")
	}
	args = append(args, "-e", sshCommand(rule))

	for _, pattern := range exclusions {
		args = append(args, "--exclude="+pattern)
	}

	if full {
		if t.IsDelete() {
			args = append(args, "--delete")
		}
	} else {
		args = append(args, "--files-from=-", "--from0", "-r", "--delete-missing-args")
		if t.IsDelete() {
			args = append(args, "--delete")
		}
	}

	args = append(args, t.ExtraArgs...)
	args = append(args, strings.TrimSuffix(rule.Source, "/")+"/", rule.Target.Remote())
	return args
}

func sshCommand(rule *config.Rule) string {
	parts := []string{rule.Transport.SSHPath, "-o", "BatchMode=yes"}
	if rule.Target.IdentityFile != "" {
		parts = append(parts, "-i", shellQuote(rule.Target.IdentityFile))
	}
	if rule.Transport.StrictHostKeyChecking != "" {
		parts = append(parts, "-o", "StrictHostKeyChecking="+rule.Transport.StrictHostKeyChecking)
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if !strings.ContainsAny(s, " \t'\"") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// filesFrom encodes relative paths for --files-from=- --from0.
func filesFrom(relPaths []string) *bytes.Reader {
	return bytes.NewReader([]byte(strings.Join(relPaths, "\x00")))
}

// parseBytesSent extracts "Total bytes sent" from rsync --stats output.
func parseBytesSent(output []byte) int64 {
	m := bytesSentRe.FindSubmatch(output)
	if m == nil {
		return 0
	}
	// --human-readable, e.g. 1.23K
	if len(m[2]) > 0 {
		n, err := humanize.ParseBytes(string(m[1]) + string(m[2]))
		if err != nil {
			return 0
		}
		return int64(n)
	}
	digits := strings.NewReplacer(",", "", ".", "").Replace(string(m[1]))
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
