package kernel

import (
	"fmt"
	"strings"
	"sync"

	goversion "github.com/hashicorp/go-version"
	"golang.org/x/sys/unix"
)

// Features records which kernel capabilities the attacher may rely
// on. Gates are derived from the running kernel version; older
// kernels fall back to the perf-event ioctl attachment path.
type Features struct {
	// HasBPFLink reports BPF_LINK_CREATE support (5.7+). Links give
	// attachments their own descriptor with kernel-side cleanup on
	// close.
	HasBPFLink bool

	// HasRingBuf reports BPF_MAP_TYPE_RINGBUF support (5.8+).
	HasRingBuf bool

	// KernelVersion is the parsed release, for diagnostics.
	KernelVersion string
}

var (
	featuresOnce sync.Once
	features     Features
	featuresErr  error
)

// DetectFeatures probes the running kernel once and caches the
// result.
func DetectFeatures() (Features, error) {
	featuresOnce.Do(func() {
		var uts unix.Utsname
		if err := unix.Uname(&uts); err != nil {
			featuresErr = fmt.Errorf("uname: %w", err)
			return
		}
		features, featuresErr = featuresForRelease(unix.ByteSliceToString(uts.Release[:]))
	})
	return features, featuresErr
}

var (
	minBPFLink = goversion.Must(goversion.NewVersion("5.7"))
	minRingBuf = goversion.Must(goversion.NewVersion("5.8"))
)

// featuresForRelease derives feature gates from a kernel release
// string such as "6.8.0-45-generic". Distribution suffixes after the
// first dash are not part of the comparable version.
func featuresForRelease(release string) (Features, error) {
	core := release
	if i := strings.IndexAny(core, "-+"); i >= 0 {
		core = core[:i]
	}
	v, err := goversion.NewVersion(core)
	if err != nil {
		return Features{}, fmt.Errorf("parsing kernel release %q: %w", release, err)
	}
	return Features{
		HasBPFLink:    v.GreaterThanOrEqual(minBPFLink),
		HasRingBuf:    v.GreaterThanOrEqual(minRingBuf),
		KernelVersion: v.String(),
	}, nil
}
