// Package classify parses CRAN-style repository paths into typed artifact
// descriptors. Classification is a pure function of the path string: every
// input yields a descriptor, malformed ones resolve to unknown.
package classify

import (
	"strings"

	"github.com/cranlens/cranlens/internal/core/models"
)

// matcher tries one path shape against the path's segments. Matchers are
// independent; the first to succeed wins.
type matcher func(segs []string) (models.ArtifactDescriptor, bool)

var matchers = []matcher{
	matchIndex,
	matchArchive,
	matchSource,
	matchWindows,
	matchMac,
}

// Classify maps a request path to an artifact descriptor. Total: never
// fails, never consults state outside the path itself.
func Classify(path string) models.ArtifactDescriptor {
	segs := splitPath(path)
	if len(segs) > 0 {
		for _, m := range matchers {
			if d, ok := m(segs); ok {
				return d
			}
		}
	}
	return models.ArtifactDescriptor{Type: models.ArtifactUnknown}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// matchIndex recognizes repository index files by their final segment.
func matchIndex(segs []string) (models.ArtifactDescriptor, bool) {
	switch segs[len(segs)-1] {
	case "PACKAGES.rds":
		return models.ArtifactDescriptor{Type: models.ArtifactIndexRDS}, true
	case "PACKAGES.gz":
		return models.ArtifactDescriptor{Type: models.ArtifactIndexGz}, true
	case "PACKAGES":
		return models.ArtifactDescriptor{Type: models.ArtifactIndexText}, true
	}
	return models.ArtifactDescriptor{}, false
}

// matchArchive recognizes .../src/contrib/Archive/<pkg>/<pkg>_<version>.tar.gz.
// The filename is the authoritative source for the package name; the
// directory segment is not required to agree.
func matchArchive(segs []string) (models.ArtifactDescriptor, bool) {
	n := len(segs)
	if n < 5 || segs[n-5] != "src" || segs[n-4] != "contrib" || segs[n-3] != "Archive" {
		return models.ArtifactDescriptor{}, false
	}
	pkg, version, ok := splitArtifactName(segs[n-1], ".tar.gz")
	if !ok {
		return models.ArtifactDescriptor{}, false
	}
	return models.ArtifactDescriptor{
		Type:    models.ArtifactArchiveTar,
		Package: &pkg,
		Version: &version,
	}, true
}

// matchSource recognizes .../src/contrib/<pkg>_<version>.tar.gz.
func matchSource(segs []string) (models.ArtifactDescriptor, bool) {
	n := len(segs)
	if n < 3 || segs[n-3] != "src" || segs[n-2] != "contrib" {
		return models.ArtifactDescriptor{}, false
	}
	pkg, version, ok := splitArtifactName(segs[n-1], ".tar.gz")
	if !ok {
		return models.ArtifactDescriptor{}, false
	}
	return models.ArtifactDescriptor{
		Type:    models.ArtifactSourceTar,
		Package: &pkg,
		Version: &version,
	}, true
}

// matchWindows recognizes .../bin/windows/contrib/<r_minor>/<pkg>_<version>.zip.
func matchWindows(segs []string) (models.ArtifactDescriptor, bool) {
	n := len(segs)
	if n < 5 || segs[n-5] != "bin" || segs[n-4] != "windows" || segs[n-3] != "contrib" {
		return models.ArtifactDescriptor{}, false
	}
	if !isMinorVersion(segs[n-2]) {
		return models.ArtifactDescriptor{}, false
	}
	pkg, version, ok := splitArtifactName(segs[n-1], ".zip")
	if !ok {
		return models.ArtifactDescriptor{}, false
	}
	rMinor := segs[n-2]
	os := "windows"
	return models.ArtifactDescriptor{
		Type:    models.ArtifactWinZip,
		Package: &pkg,
		Version: &version,
		RMinor:  &rMinor,
		OS:      &os,
	}, true
}

// matchMac recognizes .../bin/macosx/.../contrib/<r_minor>/<pkg>_<version>.tgz.
// macOS paths may carry architecture segments between macosx and contrib,
// and the runtime minor version is optional.
func matchMac(segs []string) (models.ArtifactDescriptor, bool) {
	n := len(segs)
	root := -1
	for i := 0; i < n-1; i++ {
		if segs[i] == "bin" && segs[i+1] == "macosx" {
			root = i
			break
		}
	}
	if root < 0 {
		return models.ArtifactDescriptor{}, false
	}
	pkg, version, ok := splitArtifactName(segs[n-1], ".tgz")
	if !ok {
		return models.ArtifactDescriptor{}, false
	}
	d := models.ArtifactDescriptor{
		Type:    models.ArtifactMacTgz,
		Package: &pkg,
		Version: &version,
	}
	os := "macos"
	d.OS = &os
	for i := root + 2; i < n-1; i++ {
		if segs[i] == "contrib" && i+1 < n-1 && isMinorVersion(segs[i+1]) {
			rMinor := segs[i+1]
			d.RMinor = &rMinor
			break
		}
	}
	return d, true
}

// splitArtifactName tokenizes <pkg>_<version><ext> at the last underscore
// before the extension boundary. Package names never contain underscores in
// this ecosystem; version strings are taken verbatim.
func splitArtifactName(file, ext string) (pkg, version string, ok bool) {
	if !strings.HasSuffix(file, ext) {
		return "", "", false
	}
	stem := file[:len(file)-len(ext)]
	i := strings.LastIndexByte(stem, '_')
	if i <= 0 || i == len(stem)-1 {
		return "", "", false
	}
	return stem[:i], stem[i+1:], true
}

// isMinorVersion reports whether v has the form <digits>.<digits>.
func isMinorVersion(v string) bool {
	dot := strings.IndexByte(v, '.')
	if dot <= 0 || dot == len(v)-1 || strings.IndexByte(v[dot+1:], '.') >= 0 {
		return false
	}
	for i := 0; i < len(v); i++ {
		if i == dot {
			continue
		}
		if v[i] < '0' || v[i] > '9' {
			return false
		}
	}
	return true
}
