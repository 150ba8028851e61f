package security

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// PostureFinding is one result of PostureCheck: a file-permission or
// configuration issue worth surfacing to an operator running `therese doctor`.
type PostureFinding struct {
	CheckID  string
	Severity InjectionSeverity // reused scale: none/low/medium/high/critical
	Title    string
	Detail   string
}

// PostureCheck inspects the on-disk layout under dataDir for the
// permission invariants the security envelope depends on: the session
// token, encryption key, and MCP server file must all be 0600 and must
// not be group/world readable.
func PostureCheck(dataDir string) []PostureFinding {
	var findings []PostureFinding
	for _, rel := range []string{SessionTokenFile, ".encryption_key", "mcp_servers.json"} {
		path := filepath.Join(dataDir, rel)
		info, err := os.Stat(path)
		if err != nil {
			continue // absent is fine; not yet created
		}
		if runtime.GOOS == "windows" {
			continue // POSIX mode bits aren't meaningful here
		}
		if info.Mode().Perm()&0o077 != 0 {
			findings = append(findings, PostureFinding{
				CheckID:  "file_mode_" + rel,
				Severity: SeverityHigh,
				Title:    fmt.Sprintf("%s is readable by group/other", rel),
				Detail:   fmt.Sprintf("%s has mode %o; expected 0600", path, info.Mode().Perm()),
			})
		}
	}
	return findings
}
