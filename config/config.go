package config

import (
	"fmt"
	"net/url"
	"runtime"
	"strings"

	"github.com/42wim/mattercomments/bridge"
	"github.com/42wim/mattercomments/pkg/locator"
	"github.com/42wim/mattercomments/pkg/sanitize"
	"github.com/fsnotify/fsnotify"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var Logger *logrus.Entry

// Embed describes one embedded comment section.
type Embed struct {
	Homeserver     string `mapstructure:"homeserver"`
	ServerName     string `mapstructure:"servername"`
	SiteName       string `mapstructure:"sitename"`
	CommentSection string `mapstructure:"commentsection"`
	PageSize       int    `mapstructure:"pagesize"`
	AutoFill       int    `mapstructure:"autofill"`
	LoginEnabled   bool   `mapstructure:"loginenabled"`
	GuestPosting   bool   `mapstructure:"guestposting"`
	SessionDB      string `mapstructure:"sessiondb"`

	Sanitize struct {
		MaxDepth    int `mapstructure:"maxdepth"`
		MaxChildren int `mapstructure:"maxchildren"`
		MaxNodes    int `mapstructure:"maxnodes"`
	} `mapstructure:"sanitize"`

	Render struct {
		Width int `mapstructure:"width"`
		// SyntaxHighlighting is "formatter:style" for code blocks with a
		// language, empty to disable.
		SyntaxHighlighting string `mapstructure:"syntaxhighlighting"`
	} `mapstructure:"render"`

	Post struct {
		Markdown bool `mapstructure:"markdown"`
	} `mapstructure:"post"`

	// TLS configures a client certificate for homeservers that ask for one.
	TLS struct {
		ClientCert         string `mapstructure:"clientcert"`
		ClientKey          string `mapstructure:"clientkey"`
		InsecureSkipVerify bool   `mapstructure:"insecureskipverify"`
	} `mapstructure:"tls"`
}

// SetDefaults registers every key, so MATTERCOMMENTS_* environment
// variables work for keys missing from the config file.
func SetDefaults(v *viper.Viper) {
	policy := sanitize.DefaultPolicy()

	v.SetDefault("homeserver", "")
	v.SetDefault("servername", "")
	v.SetDefault("sitename", "")
	v.SetDefault("commentsection", "")
	v.SetDefault("pagesize", 10)
	v.SetDefault("autofill", 3)
	v.SetDefault("loginenabled", true)
	v.SetDefault("guestposting", true)
	v.SetDefault("sessiondb", "mattercomments.db")
	v.SetDefault("sanitize.maxdepth", policy.MaxDepth)
	v.SetDefault("sanitize.maxchildren", policy.MaxChildren)
	v.SetDefault("sanitize.maxnodes", policy.MaxNodes)
	v.SetDefault("render.width", 80)
	v.SetDefault("render.syntaxhighlighting", "terminal256:pygments")
	v.SetDefault("post.markdown", false)
	v.SetDefault("tls.clientcert", "")
	v.SetDefault("tls.clientkey", "")
	v.SetDefault("tls.insecureskipverify", false)
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("mattercomments")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	// use environment variables
	v.AutomaticEnv()

	SetDefaults(v)

	return v
}

// LoadConfig reads cfgfile. Without a file only defaults and the
// environment are used.
func LoadConfig(cfgfile string) (*viper.Viper, error) {
	v := newViper()

	if cfgfile == "" {
		return v, nil
	}

	v.SetConfigFile(cfgfile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: error reading config file %s", bridge.ErrConfig, err)
	}

	// reload config on file changes
	if runtime.GOOS != "illumos" {
		v.OnConfigChange(func(e fsnotify.Event) {
			if Logger != nil {
				Logger.Infof("config file %s changed, restart to apply section settings", e.Name)
			}
		})
		v.WatchConfig()
	}

	return v, nil
}

// Decode turns the settings of v into a validated Embed.
func Decode(v *viper.Viper) (*Embed, error) {
	var e Embed

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &e,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("%w: %v", bridge.ErrConfig, err)
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}

	return &e, nil
}

// Validate checks e and fills in ServerName from the homeserver URL when
// it is empty.
func (e *Embed) Validate() error {
	u, err := url.Parse(e.Homeserver)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: invalid homeserver %q", bridge.ErrConfig, e.Homeserver)
	}

	if e.ServerName == "" {
		e.ServerName = u.Host
	}

	switch {
	case e.SiteName == "":
		return fmt.Errorf("%w: sitename is required", bridge.ErrConfig)
	case e.CommentSection == "":
		return fmt.Errorf("%w: commentsection is required", bridge.ErrConfig)
	case e.PageSize <= 0:
		return fmt.Errorf("%w: pagesize must be positive, got %d", bridge.ErrConfig, e.PageSize)
	case e.AutoFill < 0:
		return fmt.Errorf("%w: autofill must not be negative, got %d", bridge.ErrConfig, e.AutoFill)
	case e.Sanitize.MaxDepth <= 0 || e.Sanitize.MaxChildren <= 0 || e.Sanitize.MaxNodes <= 0:
		return fmt.Errorf("%w: sanitize limits must be positive", bridge.ErrConfig)
	case (e.TLS.ClientCert == "") != (e.TLS.ClientKey == ""):
		return fmt.Errorf("%w: tls.clientcert and tls.clientkey go together", bridge.ErrConfig)
	}

	return nil
}

func (e *Embed) RoomAlias() string {
	return locator.MakeRoomAlias(e.SiteName, e.CommentSection, e.ServerName)
}

func (e *Embed) SanitizePolicy() sanitize.Policy {
	return sanitize.Policy{
		MaxDepth:    e.Sanitize.MaxDepth,
		MaxChildren: e.Sanitize.MaxChildren,
		MaxNodes:    e.Sanitize.MaxNodes,
	}
}
