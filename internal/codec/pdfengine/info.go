package pdfengine

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"github.com/yourusername/paperkit/internal/codec"
)

func infoDict(ctx *model.Context) types.Dict {
	if ctx.Info == nil {
		return nil
	}
	d, err := ctx.DereferenceDict(*ctx.Info)
	if err != nil {
		return nil
	}
	return d
}

func infoString(ctx *model.Context, d types.Dict, key string) string {
	obj, ok := d[key]
	if !ok {
		return ""
	}
	obj, err := ctx.Dereference(obj)
	if err != nil {
		return ""
	}
	switch v := obj.(type) {
	case types.StringLiteral:
		if s, err := types.StringLiteralToString(v); err == nil {
			return s
		}
		return v.Value()
	case types.HexLiteral:
		if s, err := types.HexLiteralToString(v); err == nil {
			return s
		}
	}
	return ""
}

func infoDate(ctx *model.Context, d types.Dict, key string) time.Time {
	s := infoString(ctx, d, key)
	if s == "" {
		return time.Time{}
	}
	t, ok := types.DateTime(s, true)
	if !ok {
		return time.Time{}
	}
	return t
}

func readInfo(ctx *model.Context) codec.Info {
	d := infoDict(ctx)
	if d == nil {
		return codec.Info{}
	}
	return codec.Info{
		Title:        infoString(ctx, d, "Title"),
		Author:       infoString(ctx, d, "Author"),
		Subject:      infoString(ctx, d, "Subject"),
		Keywords:     infoString(ctx, d, "Keywords"),
		Creator:      infoString(ctx, d, "Creator"),
		Producer:     infoString(ctx, d, "Producer"),
		CreationDate: infoDate(ctx, d, "CreationDate"),
		ModDate:      infoDate(ctx, d, "ModDate"),
	}
}

func infoFields(info codec.Info) []struct{ key, value string } {
	return []struct{ key, value string }{
		{"Title", info.Title},
		{"Author", info.Author},
		{"Subject", info.Subject},
		{"Keywords", info.Keywords},
		{"Creator", info.Creator},
		{"Producer", info.Producer},
	}
}

// mergeInfo は pdfcpu が書き出した文書情報辞書に d.info を重ねた辞書を返します。
//
// 文字列項目は値があれば上書きし、SetInfo 済みで空なら削除します。
// CreationDate は元の値を保ちます。ModDate は SetInfo で指定された場合だけ使い、
// それ以外は pdfcpu が付けた書き出し時刻のままにします。
func (d *document) mergeInfo(current types.Dict) types.Dict {
	out := types.NewDict()
	for k, v := range current {
		out[k] = v
	}
	for _, f := range infoFields(d.info) {
		switch {
		case f.value != "":
			out[f.key] = types.NewHexLiteral([]byte(types.EncodeUTF16String(f.value)))
		case d.infoDirty:
			delete(out, f.key)
		}
	}
	if !d.info.CreationDate.IsZero() {
		out["CreationDate"] = types.StringLiteral(types.DateString(d.info.CreationDate))
	}
	if d.infoDirty && !d.info.ModDate.IsZero() {
		out["ModDate"] = types.StringLiteral(types.DateString(d.info.ModDate))
	}
	return out
}

// restoreInfo は文書情報を増分更新として data の末尾に追記します。
// 元の文書情報がなく SetInfo もされていなければ何もしません。
func (d *document) restoreInfo(data []byte) ([]byte, error) {
	if !d.infoDirty && d.info == (codec.Info{}) {
		return data, nil
	}
	ctx, err := api.ReadContext(bytes.NewReader(data), d.engine.conf)
	if err != nil {
		return nil, fmt.Errorf("reread pdf: %w", err)
	}
	if ctx.Root == nil {
		return nil, fmt.Errorf("pdfengine: missing catalog")
	}
	prev, err := lastXRefOffset(data)
	if err != nil {
		return nil, err
	}
	return appendInfoUpdate(data, ctx, d.mergeInfo(infoDict(ctx)), prev), nil
}

// appendInfoUpdate は新しい文書情報オブジェクトと、それを指す xref 表・trailer を追記します。
func appendInfoUpdate(data []byte, ctx *model.Context, info types.Dict, prev int64) []byte {
	objNr := 0
	for nr := range ctx.Table {
		objNr = max(objNr, nr)
	}
	if ctx.Size != nil {
		objNr = max(objNr, *ctx.Size-1)
	}
	objNr++

	var buf bytes.Buffer
	buf.Grow(len(data) + 512)
	buf.Write(data)
	if !bytes.HasSuffix(data, []byte("\n")) {
		buf.WriteByte('\n')
	}

	objOffset := buf.Len()
	fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", objNr, info.PDFString())

	xrefOffset := buf.Len()
	// 各エントリは20バイト固定（末尾は SP LF）
	buf.WriteString("xref\n0 1\n0000000000 65535 f \n")
	fmt.Fprintf(&buf, "%d 1\n%010d 00000 n \n", objNr, objOffset)

	trailer := types.NewDict()
	trailer.Insert("Size", types.Integer(objNr+1))
	trailer.Insert("Root", *ctx.Root)
	trailer.Insert("Info", *types.NewIndirectRef(objNr, 0))
	if len(ctx.ID) > 0 {
		trailer.Insert("ID", ctx.ID)
	}
	trailer.Insert("Prev", types.Integer(int(prev)))
	fmt.Fprintf(&buf, "trailer\n%s\nstartxref\n%d\n%%%%EOF\n", trailer.PDFString(), xrefOffset)
	return buf.Bytes()
}

// lastXRefOffset は末尾の startxref が指すオフセットを返します。
func lastXRefOffset(data []byte) (int64, error) {
	i := bytes.LastIndex(data, []byte("startxref"))
	if i < 0 {
		return 0, fmt.Errorf("pdfengine: startxref not found")
	}
	fields := bytes.Fields(data[i+len("startxref"):])
	if len(fields) == 0 {
		return 0, fmt.Errorf("pdfengine: empty startxref")
	}
	off, err := strconv.ParseInt(string(fields[0]), 10, 64)
	if err != nil || off <= 0 || off >= int64(len(data)) {
		return 0, fmt.Errorf("pdfengine: bad startxref %q", fields[0])
	}
	return off, nil
}
