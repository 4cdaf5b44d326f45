package domain

import (
	"fmt"
	"html"
	"regexp"
	"strings"
)

// PostRow mirrors one row of the per-board Asagi table.
type PostRow struct {
	MediaID          int64
	PosterIP         string
	Num              int64
	Subnum           int64
	ThreadNum        int64
	Op               int
	Timestamp        int64
	TimestampExpired int64
	PreviewOrig      *string
	PreviewW         int
	PreviewH         int
	MediaFilename    *string
	MediaW           int
	MediaH           int
	MediaSize        int64
	MediaHash        *string
	MediaOrig        *string
	Spoiler          int
	Deleted          int
	Capcode          string
	Email            *string
	Name             *string
	Trip             *string
	Title            *string
	Comment          *string
	Delpass          *string
	Sticky           int
	Locked           int
	PosterHash       *string
	PosterCountry    *string
	Exif             *string
}

// PostRowColumns is the column order used by the batched post upsert.
var PostRowColumns = []string{
	"media_id", "poster_ip", "num", "subnum", "thread_num", "op",
	"timestamp", "timestamp_expired", "preview_orig", "preview_w", "preview_h",
	"media_filename", "media_w", "media_h", "media_size", "media_hash",
	"media_orig", "spoiler", "deleted", "capcode", "email", "name", "trip",
	"title", "comment", "delpass", "sticky", "locked", "poster_hash",
	"poster_country", "exif",
}

// Values returns the row values in PostRowColumns order.
func (r *PostRow) Values() []any {
	return []any{
		r.MediaID, r.PosterIP, r.Num, r.Subnum, r.ThreadNum, r.Op,
		r.Timestamp, r.TimestampExpired, r.PreviewOrig, r.PreviewW, r.PreviewH,
		r.MediaFilename, r.MediaW, r.MediaH, r.MediaSize, r.MediaHash,
		r.MediaOrig, r.Spoiler, r.Deleted, r.Capcode, r.Email, r.Name, r.Trip,
		r.Title, r.Comment, r.Delpass, r.Sticky, r.Locked, r.PosterHash,
		r.PosterCountry, r.Exif,
	}
}

// ThreadRow mirrors one row of the per-board {board}_threads sidecar.
type ThreadRow struct {
	ThreadNum        int64
	TimeOp           int64
	TimeLast         int64
	TimeBump         int64
	TimeGhost        *int64
	TimeGhostBump    *int64
	TimeLastModified int64
	NReplies         int
	NImages          int
	Sticky           int
	Locked           int
}

// BuildPostRow converts an API post to its Asagi row.
func BuildPostRow(p *Post) PostRow {
	row := PostRow{
		PosterIP:         "0",
		Num:              p.No,
		ThreadNum:        p.ThreadNum(),
		Timestamp:        p.Time,
		TimestampExpired: p.ArchivedOn,
		PreviewW:         p.TnW,
		PreviewH:         p.TnH,
		MediaW:           p.W,
		MediaH:           p.H,
		MediaSize:        p.Fsize,
		Spoiler:          p.Spoiler,
		Deleted:          p.FileDeleted,
		Capcode:          AsagiCapcode(p.Capcode),
		Sticky:           p.Sticky,
		Locked:           p.Closed,
	}
	if p.IsOP() {
		row.Op = 1
	}
	if p.HasFile() {
		row.PreviewOrig = strPtr(p.ThumbFilename())
		row.MediaOrig = strPtr(p.MediaFilename())
		if p.Filename != "" {
			row.MediaFilename = strPtr(html.UnescapeString(p.Filename + p.Ext))
		}
	}
	if p.Md5 != "" {
		row.MediaHash = strPtr(p.Md5)
	}
	if p.Name != "" {
		row.Name = strPtr(html.UnescapeString(p.Name))
	}
	if p.Trip != "" {
		row.Trip = strPtr(p.Trip)
	}
	if p.Sub != "" {
		row.Title = strPtr(html.UnescapeString(p.Sub))
	}
	if p.Com != "" {
		row.Comment = strPtr(AsagiComment(p.Com))
	}
	if p.Id != "" {
		row.PosterHash = strPtr(p.Id)
	}
	if p.CountryName != "" {
		row.PosterCountry = strPtr(p.CountryName)
	}
	if p.UniqueIPs > 0 {
		// only ever reported on the OP
		row.Exif = strPtr(fmt.Sprintf(`{"uniqueIps": %d}`, p.UniqueIPs))
	}
	return row
}

func strPtr(s string) *string { return &s }

// AsagiCapcode maps an API capcode onto the single-letter Asagi encoding.
func AsagiCapcode(capcode string) string {
	switch capcode {
	case "":
		return "N"
	case "mod":
		return "M"
	case "admin", "admin_highlight":
		return "A"
	case "developer":
		return "D"
	case "verified":
		return "V"
	case "founder":
		return "F"
	case "manager":
		return "G"
	default:
		return "M"
	}
}

var (
	reLiteralTags = regexp.MustCompile(`\[(/?(spoiler|code|math|eqn|sub|sup|b|i|o|s|u|banned|info|fortune|shiftjis|sjis|qstcolor))\]`)
	reAbbr        = regexp.MustCompile(`((<br>){0,2})?<span class="abbr">(.*?)</span>`)
	reExif        = regexp.MustCompile(`((<br>)+)?<table class="exif"(.*?)</table>`)
	reOekaki      = regexp.MustCompile(`((<br>)+)?<small><b>Oekaki(.*?)</small>`)
	reBanned      = regexp.MustCompile(`<strong style="color: ?red;?">(.*?)</strong>`)
	reFortune     = regexp.MustCompile(`<span class="fortune" style="color:(.+?)"><br><br><b>(.*?)</b></span>`)
	reDiceRoll    = regexp.MustCompile(`<b>(Roll(.*?))</b>`)
	reCodeOpen    = regexp.MustCompile(`<pre[^>]*>`)
	reMathSpan    = regexp.MustCompile(`<span class="math">(.*?)</span>`)
	reMathDiv     = regexp.MustCompile(`<div class="math">(.*?)</div>`)
	reSJIS        = regexp.MustCompile(`<span class="sjis">(.*?)</span>`)
	reQuote       = regexp.MustCompile(`<span class="quote">(.*?)</span>`)
	reDeadlink    = regexp.MustCompile(`<span class="(?:[^"]*)?deadlink">(.*?)</span>`)
	reAnchor      = regexp.MustCompile(`<a(?:[^>]*)>(.*?)</a>`)
)

// AsagiComment rewrites the API's HTML comment markup into the bbcode-style
// text stored by Asagi archives.
func AsagiComment(com string) string {
	if com == "" {
		return com
	}
	a := com

	if strings.Contains(a, "[") {
		a = reLiteralTags.ReplaceAllString(a, "[$1:lit]")
	}

	if strings.Contains(a, `"abbr`) {
		a = reAbbr.ReplaceAllString(a, "")
	}
	if strings.Contains(a, `"exif`) {
		a = reExif.ReplaceAllString(a, "")
	}
	if strings.Contains(a, ">Oek") {
		a = reOekaki.ReplaceAllString(a, "")
	}

	if strings.Contains(a, "<stro") {
		a = reBanned.ReplaceAllString(a, "[banned]$1[/banned]")
	}

	if strings.Contains(a, `"fortu`) {
		a = reFortune.ReplaceAllString(a, "\n\n[fortune color=\"$1\"]$2[/fortune]")
	}

	if strings.Contains(a, "<b>") {
		a = reDiceRoll.ReplaceAllString(a, "[b]$1[/b]")
	}

	if strings.Contains(a, "<pre") {
		a = reCodeOpen.ReplaceAllString(a, "[code]")
		a = strings.ReplaceAll(a, "</pre>", "[/code]")
	}

	if strings.Contains(a, `"math`) {
		a = reMathSpan.ReplaceAllString(a, "[math]$1[/math]")
		a = reMathDiv.ReplaceAllString(a, "[eqn]$1[/eqn]")
	}

	if strings.Contains(a, `"sjis`) {
		a = reSJIS.ReplaceAllString(a, "[shiftjis]$1[/shiftjis]")
	}

	if strings.Contains(a, "<span") {
		a = reQuote.ReplaceAllString(a, "$1")
		// deadlinks can nest inside quotes, peel a few layers
		for range 3 {
			if !strings.Contains(a, "deadli") {
				break
			}
			a = reDeadlink.ReplaceAllString(a, "$1")
		}
	}

	if strings.Contains(a, "<a") {
		a = reAnchor.ReplaceAllString(a, "$1")
	}

	a = strings.ReplaceAll(a, "<s>", "[spoiler]")
	a = strings.ReplaceAll(a, "</s>", "[/spoiler]")

	a = strings.ReplaceAll(a, "<br>", "\n")
	a = strings.ReplaceAll(a, "<br/>", "\n")
	a = strings.ReplaceAll(a, "<wbr>", "")

	return html.UnescapeString(a)
}
