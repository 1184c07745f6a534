package static

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/jgoldverg/tftpd/internal"
	"github.com/jgoldverg/tftpd/pkg/route"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// RouteSpec is one entry of a routes file. Match is an exact filename, Pattern
// a regular expression; with neither the route matches every filename.
type RouteSpec struct {
	Match    string `yaml:"match" toml:"match"`
	Pattern  string `yaml:"pattern" toml:"pattern"`
	Root     string `yaml:"root" toml:"root"`
	CacheTTL string `yaml:"cache_ttl" toml:"cache_ttl"`
}

type RouteFile struct {
	Routes []RouteSpec `yaml:"routes" toml:"routes"`
}

// Registrar is implemented by *route.Table and *tftpserver.Server.
type Registrar interface {
	Register(filter route.Filter, h route.Handler) route.Handle
}

func (rs RouteSpec) Filter() (route.Filter, error) {
	switch {
	case rs.Match != "" && rs.Pattern != "":
		return nil, errors.New("match and pattern are mutually exclusive")
	case rs.Pattern != "":
		f, err := route.Pattern(rs.Pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "pattern %q", rs.Pattern)
		}
		return f, nil
	case rs.Match != "":
		return route.Exact(rs.Match), nil
	}
	return nil, nil
}

func (rs RouteSpec) TTL() (time.Duration, error) {
	if strings.TrimSpace(rs.CacheTTL) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(rs.CacheTTL)
	if err != nil {
		return 0, errors.Wrapf(err, "cache_ttl %q", rs.CacheTTL)
	}
	if d < 0 {
		return 0, errors.Errorf("cache_ttl %q is negative", rs.CacheTTL)
	}
	return d, nil
}

func (rs RouteSpec) Validate() error {
	if strings.TrimSpace(rs.Root) == "" {
		return errors.New("root is required")
	}
	if _, err := rs.Filter(); err != nil {
		return err
	}
	_, err := rs.TTL()
	return err
}

func (rs RouteSpec) String() string {
	switch {
	case rs.Pattern != "":
		return "/" + rs.Pattern + "/ -> " + rs.Root
	case rs.Match != "":
		return rs.Match + " -> " + rs.Root
	}
	return "* -> " + rs.Root
}

// LoadRouteFile reads a YAML (.yaml, .yml) or TOML (.toml) routes file.
// Relative roots are resolved against the file's directory.
func LoadRouteFile(path string) (*RouteFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read routes file")
	}

	var rf RouteFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&rf); err != nil && !errors.Is(err, io.EOF) {
			return nil, errors.Wrap(err, "decode yaml routes")
		}
	case ".toml":
		md, err := toml.Decode(string(raw), &rf)
		if err != nil {
			return nil, errors.Wrap(err, "decode toml routes")
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, errors.Errorf("unknown keys in routes file: %v", undecoded)
		}
	default:
		return nil, errors.Errorf("unsupported routes file extension %q", filepath.Ext(path))
	}

	base := filepath.Dir(path)
	for i := range rf.Routes {
		if err := rf.Routes[i].Validate(); err != nil {
			return nil, errors.Wrapf(err, "route %d", i)
		}
		if !filepath.IsAbs(rf.Routes[i].Root) {
			rf.Routes[i].Root = filepath.Join(base, rf.Routes[i].Root)
		}
	}
	return &rf, nil
}

// Register adds one static route per entry, in file order. Entries without a
// cache_ttl use defaultTTL.
func (rf *RouteFile) Register(r Registrar, defaultTTL time.Duration) ([]route.Handle, error) {
	handles := make([]route.Handle, 0, len(rf.Routes))
	for i, rs := range rf.Routes {
		filter, err := rs.Filter()
		if err != nil {
			return handles, errors.Wrapf(err, "route %d", i)
		}
		ttl, err := rs.TTL()
		if err != nil {
			return handles, errors.Wrapf(err, "route %d", i)
		}
		if ttl == 0 {
			ttl = defaultTTL
		}
		h := r.Register(filter, ServeStatic(rs.Root, WithCacheTTL(ttl)))
		handles = append(handles, h)
		internal.Info("static route registered", internal.Fields{
			internal.FieldRoute: int(h),
			internal.FieldMsg:   rs.String(),
		})
	}
	return handles, nil
}
