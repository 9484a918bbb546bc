package buildinfo

import "runtime/debug"

// Set with -ldflags "-X dispatch/internal/buildinfo.Version=...".
var (
    Version = "dev"
    Commit  = ""
    BuiltAt = ""
)

// Info returns the build identity, falling back to the VCS stamp the go tool embeds.
func Info() map[string]string {
    commit, builtAt := Commit, BuiltAt
    if bi, ok := debug.ReadBuildInfo(); ok {
        for _, s := range bi.Settings {
            switch s.Key {
            case "vcs.revision":
                if commit == "" { commit = s.Value }
            case "vcs.time":
                if builtAt == "" { builtAt = s.Value }
            }
        }
    }
    return map[string]string{
        "version":  Version,
        "commit":   commit,
        "built_at": builtAt,
    }
}

func String() string {
    i := Info()
    s := "dispatchd " + i["version"]
    if c := i["commit"]; c != "" {
        if len(c) > 12 { c = c[:12] }
        s += " (" + c + ")"
    }
    return s
}
