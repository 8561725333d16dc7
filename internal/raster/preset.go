// Package raster はページや画像の再ラスター化・JPEG 再エンコードを扱います。
package raster

import (
	"fmt"
	"strings"
)

// Preset は圧縮プリセット名です。
type Preset string

const (
	PresetLow      Preset = "low"
	PresetStandard Preset = "standard"
	PresetHigh     Preset = "high"
	PresetExtreme  Preset = "extreme"
)

// BaseDPI は画像の縮小率を決める基準解像度です。
const BaseDPI = 150

// Setting はプリセットに対応する JPEG 品質と解像度の組です。
type Setting struct {
	Quality int `json:"quality"`
	DPI     int `json:"dpi"`
}

// Scale は画像を縮小する倍率（DPI / BaseDPI）です。
func (s Setting) Scale() float64 {
	return float64(s.DPI) / BaseDPI
}

var settings = map[Preset]Setting{
	PresetLow:      {Quality: 85, DPI: 150},
	PresetStandard: {Quality: 70, DPI: 120},
	PresetHigh:     {Quality: 50, DPI: 96},
	PresetExtreme:  {Quality: 30, DPI: 72},
}

// Presets は圧縮の弱い順に並べたプリセット一覧です。
var Presets = []Preset{PresetLow, PresetStandard, PresetHigh, PresetExtreme}

// Setting はプリセットの設定値を返します。未知のプリセットは ok=false です。
func (p Preset) Setting() (Setting, bool) {
	s, ok := settings[p]
	return s, ok
}

// ParsePreset は大文字小文字を無視してプリセット名を解釈します。空文字は fallback を返します。
func ParsePreset(s string, fallback Preset) (Preset, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return fallback, nil
	}
	p := Preset(s)
	if _, ok := settings[p]; !ok {
		return "", fmt.Errorf("unknown preset %q", s)
	}
	return p, nil
}
