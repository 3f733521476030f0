package convert

import (
	"fmt"
	"strings"
)

// epsgProj は対応するEPSGコードとproj4定義の対応表です。
// 地形・タイル生成ツールへ渡す入力座標系の解決に使用します。
var epsgProj = map[string]string{
	"EPSG:4326":  "+proj=longlat +datum=WGS84 +no_defs +type=crs",
	"EPSG:3857":  "+proj=merc +a=6378137 +b=6378137 +lat_ts=0 +lon_0=0 +x_0=0 +y_0=0 +k=1 +units=m +nadgrids=@null +wktext +no_defs +type=crs",
	"EPSG:4978":  "+proj=geocent +datum=WGS84 +units=m +no_defs +type=crs",
	"EPSG:25832": "+proj=utm +zone=32 +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +units=m +no_defs +type=crs",
	"EPSG:25833": "+proj=utm +zone=33 +ellps=GRS80 +towgs84=0,0,0,0,0,0,0 +units=m +no_defs +type=crs",
	"EPSG:31467": "+proj=tmerc +lat_0=0 +lon_0=9 +k=1 +x_0=3500000 +y_0=0 +ellps=bessel +units=m +no_defs +type=crs",
	"EPSG:32632": "+proj=utm +zone=32 +datum=WGS84 +units=m +no_defs +type=crs",
	"EPSG:32633": "+proj=utm +zone=33 +datum=WGS84 +units=m +no_defs +type=crs",
	"EPSG:2056":  "+proj=somerc +lat_0=46.9524055555556 +lon_0=7.43958333333333 +k_0=1 +x_0=2600000 +y_0=1200000 +ellps=bessel +towgs84=674.374,15.056,405.346,0,0,0,0 +units=m +no_defs +type=crs",
}

// ResolveSRS はEPSGコード（"4326" または "EPSG:4326"）をproj4定義へ解決します。
// 未知のコードは分類済みエラーになります。
func ResolveSRS(epsgCode string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(epsgCode))
	if code == "" {
		return "", newError(CodeInvalidInput, "epsgCodeを指定してください。", nil)
	}
	if !strings.HasPrefix(code, "EPSG:") {
		code = "EPSG:" + code
	}
	srs, ok := epsgProj[code]
	if !ok {
		return "", newError(CodeEPSGNotFound, fmt.Sprintf("EPSGコード %s には対応していません。", epsgCode), nil)
	}
	return srs, nil
}
