package workspace

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var unsafeSlugChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// RepoSlug derives the filesystem-safe cache key for a repository reference.
// "owner/repo", "https://github.com/owner/repo.git" and "git@github.com:owner/repo.git"
// all map to "owner--repo".
func RepoSlug(repo string) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}
	return sanitizeSlugPart(owner) + "--" + sanitizeSlugPart(name), nil
}

// CloneURL returns the URL to clone repo from. Full URLs are used verbatim;
// owner/name shorthands are expanded against host.
func CloneURL(repo, host string) (string, error) {
	if isFullURL(repo) {
		return repo, nil
	}
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}
	if host == "" {
		host = "github.com"
	}
	return fmt.Sprintf("https://%s/%s/%s.git", host, owner, name), nil
}

func isFullURL(repo string) bool {
	return strings.Contains(repo, "://") || strings.HasPrefix(repo, "git@")
}

func splitRepo(repo string) (string, string, error) {
	ref := strings.TrimSpace(repo)
	if ref == "" {
		return "", "", fmt.Errorf("repository reference is empty")
	}

	var path string
	switch {
	case strings.Contains(ref, "://"):
		path = ref[strings.Index(ref, "://")+3:]
		// Drop the host (and any credentials) before the first slash.
		if i := strings.Index(path, "/"); i >= 0 {
			path = path[i+1:]
		} else {
			path = ""
		}
	case strings.HasPrefix(ref, "git@"):
		i := strings.Index(ref, ":")
		if i < 0 {
			return "", "", fmt.Errorf("invalid ssh repository reference %q", repo)
		}
		path = ref[i+1:]
	default:
		path = ref
	}

	path = strings.TrimSuffix(strings.Trim(path, "/"), ".git")
	parts := strings.Split(path, "/")
	if len(parts) < 2 {
		return "", "", fmt.Errorf("repository reference %q must name owner/repo", repo)
	}
	if !isFullURL(ref) && len(parts) != 2 {
		return "", "", fmt.Errorf("repository reference %q must be owner/repo or a full URL", repo)
	}

	owner, name := parts[len(parts)-2], parts[len(parts)-1]
	for _, p := range []string{owner, name} {
		if p == "" || p == "." || p == ".." {
			return "", "", fmt.Errorf("repository reference %q must name owner/repo", repo)
		}
	}
	return owner, name, nil
}

func sanitizeSlugPart(s string) string {
	return unsafeSlugChars.ReplaceAllString(s, "-")
}

// redactURL strips credentials from a clone URL before it is logged.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}
