package config

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Log       Log                   `yaml:"log"`
	Metrics   Metrics               `yaml:"metrics"`
	Pacing    Pacing                `yaml:"pacing"`
	Cache     Cache                 `yaml:"cache"`
	Media     Media                 `yaml:"media"`
	Deletion  Deletion              `yaml:"deletion"`
	Storage   Storage               `yaml:"storage"`
	Endpoints Endpoints             `yaml:"endpoints"`
	Boards    map[string]*BoardRule `yaml:"boards" validate:"required,min=1"`
}

type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
	File  string `yaml:"file"` // empty disables the rotating file sink
}

type Metrics struct {
	Addr string `yaml:"addr"` // empty disables the /metrics listener
}

type Pacing struct {
	RequestCooldownSec float64 `yaml:"request_cooldown_sec" validate:"gte=0"`
	LoopCooldownSec    float64 `yaml:"loop_cooldown_sec" validate:"gte=0"`
	VideoCooldownSec   float64 `yaml:"video_cooldown_sec" validate:"gte=0"`
	ImageCooldownSec   float64 `yaml:"image_cooldown_sec" validate:"gte=0"`
	AddRandom          bool    `yaml:"add_random"`
}

type Cache struct {
	Dir                string `yaml:"dir"`
	IgnoreThreadCache  bool   `yaml:"ignore_thread_cache"`
	IgnoreHTTPCache    bool   `yaml:"ignore_http_cache"`
	SkipDuplicateFiles bool   `yaml:"skip_duplicate_files"`
}

type Media struct {
	SavePath                      string `yaml:"media_save_path" validate:"required"`
	MakeThumbnails                bool   `yaml:"make_thumbnails"`
	DownloadFilesWithMismatchedMD5 bool  `yaml:"download_files_with_mismatched_md5"`
}

type Deletion struct {
	NotDeletedIfBumpAgeExceedsNMin float64 `yaml:"not_deleted_if_bump_age_exceeds_n_min" validate:"gt=0"`
	NotDeletedIfPageNReached       int     `yaml:"not_deleted_if_page_n_reached" validate:"gt=0"`
	NotDeletedIfNReplies           int     `yaml:"not_deleted_if_n_replies" validate:"gt=0"`
}

type Storage struct {
	DbType string `yaml:"db_type" validate:"required,oneof=sqlite mysql"`
	Sqlite Sqlite `yaml:"sqlite"`
	Mysql  Mysql  `yaml:"mysql"`
}

type Sqlite struct {
	Path string `yaml:"path"`
}

type Mysql struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Dbname   string `yaml:"dbname"`
}

// Endpoints are URL templates with {board}, {thread_id}, {image_id} and {ext}
// placeholders, matching the remote's catalog/thread/archive layout.
type Endpoints struct {
	Catalog   string `yaml:"url_catalog" validate:"required"`
	Thread    string `yaml:"url_thread" validate:"required"`
	Archive   string `yaml:"url_archive" validate:"required"`
	Boards    string `yaml:"url_boards" validate:"required"`
	FullMedia string `yaml:"url_full_media" validate:"required"`
	Thumbnail string `yaml:"url_thumbnail" validate:"required"`
}

// BoardRule holds the per-board archive and download rules.
type BoardRule struct {
	Whitelist               string `yaml:"whitelist"`
	Blacklist               string `yaml:"blacklist"`
	OpCommentMinChars       int    `yaml:"op_comment_min_chars"`
	OpCommentMinCharsUnique int    `yaml:"op_comment_min_chars_unique"`
	ThreadText              bool   `yaml:"thread_text"`

	DlFmThread Rule `yaml:"dl_fm_thread"`
	DlFmOp     Rule `yaml:"dl_fm_op"`
	DlFmPost   Rule `yaml:"dl_fm_post"`
	DlThThread Rule `yaml:"dl_th_thread"`
	DlThOp     Rule `yaml:"dl_th_op"`
	DlThPost   Rule `yaml:"dl_th_post"`
}

// Rule is a tri-state download rule slot: unset, a boolean, or a regex pattern
// that is full-matched (case-insensitively) against post text.
type Rule struct {
	Set     bool
	Enabled bool
	Pattern string
}

func (r *Rule) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var b bool
	if err := unmarshal(&b); err == nil {
		r.Set = true
		r.Enabled = b
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return fmt.Errorf("download rule must be a bool or a regex string: %w", err)
	}
	r.Set = true
	r.Pattern = s
	return nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "cache"
	}
	if c.Pacing.RequestCooldownSec == 0 {
		c.Pacing.RequestCooldownSec = 1.0 // advised by the remote API docs
	}
	if c.Pacing.LoopCooldownSec == 0 {
		c.Pacing.LoopCooldownSec = 30.0
	}
	if c.Pacing.VideoCooldownSec == 0 {
		c.Pacing.VideoCooldownSec = 3.2
	}
	if c.Pacing.ImageCooldownSec == 0 {
		c.Pacing.ImageCooldownSec = 2.2
	}
	if c.Deletion.NotDeletedIfBumpAgeExceedsNMin == 0 {
		c.Deletion.NotDeletedIfBumpAgeExceedsNMin = 60
	}
	if c.Deletion.NotDeletedIfPageNReached == 0 {
		c.Deletion.NotDeletedIfPageNReached = 9
	}
	if c.Deletion.NotDeletedIfNReplies == 0 {
		c.Deletion.NotDeletedIfNReplies = 100
	}
	if c.Endpoints.Catalog == "" {
		c.Endpoints.Catalog = "https://a.4cdn.org/{board}/catalog.json"
	}
	if c.Endpoints.Thread == "" {
		c.Endpoints.Thread = "https://a.4cdn.org/{board}/thread/{thread_id}.json"
	}
	if c.Endpoints.Archive == "" {
		c.Endpoints.Archive = "https://a.4cdn.org/{board}/archive.json"
	}
	if c.Endpoints.Boards == "" {
		c.Endpoints.Boards = "https://a.4cdn.org/boards.json"
	}
	if c.Endpoints.FullMedia == "" {
		c.Endpoints.FullMedia = "https://i.4cdn.org/{board}/{image_id}{ext}"
	}
	if c.Endpoints.Thumbnail == "" {
		c.Endpoints.Thumbnail = "https://i.4cdn.org/{board}/{image_id}s.jpg"
	}
	if c.Storage.Mysql.Port == 0 {
		c.Storage.Mysql.Port = 3306
	}
	if c.Storage.Sqlite.Path == "" {
		c.Storage.Sqlite.Path = "ritual.db"
	}
}

func (c *Config) validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return err
	}
	for board, rule := range c.Boards {
		for name, pattern := range map[string]string{
			"whitelist":    rule.Whitelist,
			"blacklist":    rule.Blacklist,
			"dl_fm_thread": rule.DlFmThread.Pattern,
			"dl_fm_op":     rule.DlFmOp.Pattern,
			"dl_fm_post":   rule.DlFmPost.Pattern,
			"dl_th_thread": rule.DlThThread.Pattern,
			"dl_th_op":     rule.DlThOp.Pattern,
			"dl_th_post":   rule.DlThPost.Pattern,
		} {
			if pattern == "" {
				continue
			}
			if _, err := regexp.Compile(`(?i)` + pattern); err != nil {
				return fmt.Errorf("board %q: invalid %s pattern: %w", board, name, err)
			}
		}
	}
	return nil
}

// BoardNames returns configured boards in a stable order.
func (c *Config) BoardNames() []string {
	names := make([]string, 0, len(c.Boards))
	for b := range c.Boards {
		names = append(names, b)
	}
	// map iteration order would reshuffle the crawl order every loop
	sort.Strings(names)
	return names
}

// URLCatalog expands the catalog endpoint template for a board.
func (c *Config) URLCatalog(board string) string {
	return strings.NewReplacer("{board}", board).Replace(c.Endpoints.Catalog)
}

func (c *Config) URLThread(board string, tid int64) string {
	return strings.NewReplacer("{board}", board, "{thread_id}", fmt.Sprint(tid)).Replace(c.Endpoints.Thread)
}

func (c *Config) URLArchive(board string) string {
	return strings.NewReplacer("{board}", board).Replace(c.Endpoints.Archive)
}

func (c *Config) URLBoards() string {
	return c.Endpoints.Boards
}

func (c *Config) URLFullMedia(board string, tim int64, ext string) string {
	return strings.NewReplacer("{board}", board, "{image_id}", fmt.Sprint(tim), "{ext}", ext).Replace(c.Endpoints.FullMedia)
}

func (c *Config) URLThumbnail(board string, tim int64) string {
	return strings.NewReplacer("{board}", board, "{image_id}", fmt.Sprint(tim)).Replace(c.Endpoints.Thumbnail)
}

func mustLoadPath(configPath string, output interface{}) {
	// check if file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}
	configFile, err := os.ReadFile(configPath)
	if err != nil {
		panic("can't read config file")
	}

	err = yaml.Unmarshal(configFile, output)
	if err != nil {
		panic("can't unmarshal config file: " + err.Error())
	}
}

func MustLoad(configFolder string) *Config {
	var cfg Config
	mustLoadPath(path.Join(configFolder, "public.yaml"), &cfg)

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		panic("invalid config: " + err.Error())
	}
	return &cfg
}
