// Package domain holds the closed schema for remote API records and the
// Asagi-compatible row shapes derived from them.
package domain

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Post is the direct mapping of one API post object. The same shape appears in
// thread responses, catalog OP entries, and catalog last_replies previews.
// Unknown JSON fields are tolerated; typed fields are validated against the
// closed schema below.
type Post struct {
	No     int64 `json:"no" validate:"required,gt=0"`
	Resto  int64 `json:"resto" validate:"gte=0"`
	Sticky int   `json:"sticky" validate:"gte=0,lte=1"`
	Closed int   `json:"closed" validate:"gte=0,lte=1"`
	Time   int64 `json:"time" validate:"required,gt=0"`

	Name    string `json:"name" validate:"max=512"`
	Trip    string `json:"trip" validate:"max=512"`
	Id      string `json:"id" validate:"max=32"`
	Capcode string `json:"capcode" validate:"omitempty,oneof=mod admin admin_highlight manager developer founder"`
	Country string `json:"country" validate:"omitempty,len=2"`

	CountryName string `json:"country_name" validate:"max=512"`
	Sub         string `json:"sub" validate:"max=512"`
	Com         string `json:"com" validate:"max=16384"`

	Tim         int64  `json:"tim" validate:"omitempty,gt=0"`
	Filename    string `json:"filename" validate:"max=512"`
	Ext         string `json:"ext" validate:"omitempty,oneof=.jpg .png .gif .pdf .swf .webm .mp4"`
	Fsize       int64  `json:"fsize" validate:"omitempty,gt=0"`
	Md5         string `json:"md5" validate:"omitempty,len=24"`
	W           int    `json:"w" validate:"omitempty,gt=0"`
	H           int    `json:"h" validate:"omitempty,gt=0"`
	TnW         int    `json:"tn_w" validate:"omitempty,gt=0"`
	TnH         int    `json:"tn_h" validate:"omitempty,gt=0"`
	FileDeleted int    `json:"filedeleted" validate:"gte=0,lte=1"`
	Spoiler     int    `json:"spoiler" validate:"gte=0,lte=1"`

	Replies    *int `json:"replies" validate:"omitempty,gte=0"`
	Images     *int `json:"images" validate:"omitempty,gte=0"`
	BumpLimit  int  `json:"bumplimit" validate:"gte=0,lte=1"`
	ImageLimit int  `json:"imagelimit" validate:"gte=0,lte=1"`
	UniqueIPs  int  `json:"unique_ips" validate:"omitempty,gt=0"`

	Archived   int   `json:"archived" validate:"gte=0,lte=1"`
	ArchivedOn int64 `json:"archived_on" validate:"omitempty,gt=0"`
}

// CatalogThread is a catalog OP entry: a Post plus the catalog-only fields.
type CatalogThread struct {
	Post
	LastModified  int64  `json:"last_modified" validate:"omitempty,gt=0"`
	OmittedPosts  int    `json:"omitted_posts" validate:"gte=0"`
	OmittedImages int    `json:"omitted_images" validate:"gte=0"`
	LastReplies   []Post `json:"last_replies" validate:"omitempty,dive"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidatePost rejects any post whose typed fields fall outside the schema.
func ValidatePost(p *Post) error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("post %d failed schema validation: %w", p.No, err)
	}
	return nil
}

// ValidateThread validates a catalog OP entry, last_replies included.
func ValidateThread(t *CatalogThread) error {
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("thread %d failed schema validation: %w", t.No, err)
	}
	return nil
}

// IsOP reports whether the post opens its thread.
func (p *Post) IsOP() bool { return p.Resto == 0 }

// ThreadNum returns the id of the thread the post belongs to.
func (p *Post) ThreadNum() int64 {
	if p.Resto == 0 {
		return p.No
	}
	return p.Resto
}

// HasFile reports whether the post carries an attached media file.
func (p *Post) HasFile() bool { return p.Tim > 0 && p.Ext != "" }

// MediaFilename is the stored full-media filename, e.g. "1717755968123.jpg".
func (p *Post) MediaFilename() string {
	if !p.HasFile() {
		return ""
	}
	return fmt.Sprintf("%d%s", p.Tim, p.Ext)
}

// ThumbFilename is the stored thumbnail filename, e.g. "1717755968123s.jpg".
func (p *Post) ThumbFilename() string {
	if !p.HasFile() {
		return ""
	}
	return fmt.Sprintf("%ds.jpg", p.Tim)
}

// IsVideo reports whether the attached file gets the video cooldown class.
func (p *Post) IsVideo() bool {
	switch p.Ext {
	case ".webm", ".mp4", ".gif":
		return true
	}
	return false
}
