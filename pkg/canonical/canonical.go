// Package canonical 把原始HTTP请求转成分类器可消费的规范形式：
// 主题分类器使用的词串（CanonicalDocument），以及结构化分类器
// 使用的特征行（StructuredFeatureRow）。所有函数均为纯函数。
package canonical

import (
	"net/netip"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"go-menshen/pkg/models"
)

// 词法类别表，顺序敏感：取第一个命中的类别作为掩码
var maskCategories = []struct {
	token string
	re    *regexp.Regexp
}{
	{"singleChar", regexp.MustCompile(`^[A-Za-z]$`)},
	{"onlyAlpha", regexp.MustCompile(`^[A-Za-z]+$`)},
	{"onlyNum", regexp.MustCompile(`^(\d+(\.\d+)?)+$`)},
	{"alphanum", regexp.MustCompile(`^[A-Za-z0-9]+$`)},
	{"mixed", regexp.MustCompile(`^[A-Za-z0-9_]+$`)},
}

var (
	nonWordRun  = regexp.MustCompile(`[^\w\s]+`)
	allNonWord  = regexp.MustCompile(`^[^\w\s]+$`)
	versionNum  = regexp.MustCompile(`(\d+(.|_))*\d+`)
	minuteSec   = regexp.MustCompile(`:\d\d:\d\d`)
	nonAlnum    = regexp.MustCompile(`[^a-zA-Z0-9]`)
	qualityAttr = regexp.MustCompile(`;?q=[\d.]+`)
)

// 低信息量头部，不产生名字token
var skipNameHeaders = map[string]bool{
	"accept":          true,
	"accept-encoding": true,
	"accept-language": true,
	"cache-control":   true,
	"connection":      true,
	"content-length":  true,
	"content-type":    true,
	"referer":         true,
}

// 值也不要的头部（cache-control/content-length/content-type的值照常保留）
var skipValueHeaders = map[string]bool{
	"accept":          true,
	"accept-encoding": true,
	"accept-language": true,
	"connection":      true,
	"referer":         true,
}

var versionHeaders = map[string]bool{
	"x-powered-by": true,
	"server":       true,
	"user-agent":   true,
}

var dateHeaders = map[string]bool{
	"date":                true,
	"expires":             true,
	"last-modified":       true,
	"if-modified-since":   true,
	"if-unmodified-since": true,
}

// Document 主题分类器消费的规范词串
type Document string

func (d Document) Tokens() []string {
	return strings.Fields(string(d))
}

// StructuredFeatureRow 结构化分类器消费的特征行
type StructuredFeatureRow struct {
	Method        string
	URIPath       string
	URIQuery      string
	Body          string
	RequestLength int
	URILength     int
	BodyLength    int
	Headers       map[string]string
}

// Tokens 确定性地展开特征行，供打分接口消费
func (r StructuredFeatureRow) Tokens() []string {
	t := []string{
		"method=" + r.Method,
		"uri-path=" + r.URIPath,
		"uri-query=" + r.URIQuery,
		"body=" + r.Body,
		"request-length=" + strconv.Itoa(r.RequestLength),
		"uri-length=" + strconv.Itoa(r.URILength),
		"body-length=" + strconv.Itoa(r.BodyLength),
	}
	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t = append(t, "header-"+k+"="+r.Headers[k])
	}
	return t
}

// NestedDecode 反复做百分号解码直到不动点，抵御多重编码。
// 非法的%序列原样保留。
func NestedDecode(s string) string {
	for {
		decoded := percentDecodeOnce(s)
		if decoded == s {
			return s
		}
		s = decoded
	}
}

func percentDecodeOnce(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2]) {
			b.WriteByte(unhex(s[i+1])<<4 | unhex(s[i+2]))
			i += 2
		} else {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	}
	return c - 'A' + 10
}

// maskValue 按顺序匹配词法类别，全部不命中时保留原值
func maskValue(s string) string {
	s = strings.TrimSpace(s)
	for _, c := range maskCategories {
		if c.re.MatchString(s) {
			return "[" + c.token + "]"
		}
	}
	return s
}

// splitOnChangingChar 把连续的非词字符串按字符变化切开，
// 例如 "/../" 变成 ["/", "..", "/"]
func splitOnChangingChar(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 1; i <= len(s); i++ {
		if i == len(s) || s[i] != s[start] {
			out = append(out, s[start:i])
			start = i
		}
	}
	return out
}

// splitKeepNonWord 在非词字符处切分并保留分隔串本身
func splitKeepNonWord(s string) []string {
	var out []string
	last := 0
	for _, loc := range nonWordRun.FindAllStringIndex(s, -1) {
		if loc[0] > last {
			out = append(out, s[last:loc[0]])
		}
		out = append(out, s[loc[0]:loc[1]])
		last = loc[1]
	}
	if last < len(s) {
		out = append(out, s[last:])
	}
	return out
}

// MaskParamValue 掩码单个参数值：按非词字符切分（保留分隔串），
// 非词分隔串再按字符变化细分，每个片段套用词法类别掩码
func MaskParamValue(v string) string {
	var out []string
	for _, part := range splitKeepNonWord(v) {
		if part == "" {
			continue
		}
		var pieces []string
		if allNonWord.MatchString(part) {
			pieces = splitOnChangingChar(part)
		} else {
			pieces = strings.Fields(part)
			if len(pieces) == 0 {
				pieces = []string{part}
			}
		}
		for _, p := range pieces {
			out = append(out, maskValue(p))
		}
	}
	return strings.Join(out, " ")
}

// MaskPath 掩码URL路径：非词字符串保留并细分，词串统一替换为
// <PathString>，末尾的文件扩展名保留字面值
func MaskPath(path string) string {
	parts := splitKeepNonWord(path)
	var cleaned []string
	for _, p := range parts {
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	for i, p := range cleaned {
		if !allNonWord.MatchString(p) {
			cleaned[i] = "<PathString>"
		}
	}

	// 保留扩展名
	if dot := strings.LastIndexByte(path, '.'); dot >= 0 && dot > strings.LastIndexByte(path, '/') {
		ext := path[dot+1:]
		if ext != "" && len(cleaned) > 0 {
			cleaned[len(cleaned)-1] = ext
		}
	}

	var out []string
	for _, p := range cleaned {
		if allNonWord.MatchString(p) {
			out = append(out, splitOnChangingChar(p)...)
		} else {
			out = append(out, p)
		}
	}
	return strings.Join(out, " ")
}

// MaskQuery 掩码整个查询串："<QueryKey> = [mask]" 以 " ? " 连接
func MaskQuery(query string) string {
	if query == "" {
		return ""
	}
	var out []string
	for _, pair := range strings.Split(query, "&") {
		if pair == "" {
			continue
		}
		_, value, found := strings.Cut(pair, "=")
		if !found {
			// 无键参数只掩码值
			if m := strings.TrimSpace(MaskParamValue(pair)); m != "" {
				out = append(out, m)
			}
			continue
		}
		out = append(out, "<QueryKey> = "+strings.TrimSpace(MaskParamValue(value)))
	}
	return strings.Join(out, " ? ")
}

// maskPairs 对 cookie 这类 key=value 序列做与查询串相同的掩码
func maskPairs(s, delimiter, keyToken string) string {
	var out []string
	for _, pair := range strings.Split(s, delimiter) {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		_, value, found := strings.Cut(pair, "=")
		if !found {
			out = append(out, strings.TrimSpace(MaskParamValue(pair)))
			continue
		}
		out = append(out, keyToken+" "+strings.TrimSpace(MaskParamValue(value)))
	}
	return strings.Join(out, " ")
}

// splitURI 拆出path/query（忽略scheme/authority/fragment之外的内容）
func splitURI(uri string) (path, query string) {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		uri = uri[:i]
	}
	if i := strings.Index(uri, "://"); i >= 0 {
		rest := uri[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			uri = rest[j:]
		} else {
			uri = "/"
		}
	}
	path, query, _ = strings.Cut(uri, "?")
	return path, query
}

// addressClass 发送方地址分类token：私有、全局可路由、保留地址，
// 按此顺序互斥判定；解析失败返回空串（整体流水线不因此失败）
func addressClass(ip string) string {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ""
	}
	switch {
	case addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast():
		return "private_ip"
	case addr.IsGlobalUnicast():
		return "global_ip"
	default:
		return "reserved_ip"
	}
}

// headerTokens 按规则把头部展开成词串
func headerTokens(headers map[string]string, side string) []string {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var t []string
	for _, key := range keys {
		value := headers[key]
		keyLow := strings.ToLower(key)
		switch {
		case keyLow == "cookie":
			t = append(t, maskPairs(value, ";", "<CookieKey>"))
		case keyLow == "x-zap-scan-id":
			// 扫描器内部标记，丢弃
		default:
			if !skipNameHeaders[keyLow] {
				t = append(t, side+"_header_"+keyLow)
			}
			switch {
			case versionHeaders[keyLow]:
				t = append(t, strings.ReplaceAll(versionNum.ReplaceAllString(value, "version"), " ", ""))
			case skipValueHeaders[keyLow]:
				// 值也不产生token
			case dateHeaders[keyLow]:
				t = append(t, strings.ReplaceAll(minuteSec.ReplaceAllString(value, ""), " ", ""))
			default:
				t = append(t, nonAlnum.ReplaceAllString(value, ""))
			}
		}
	}
	return t
}

// Canonicalize 把请求快照转成主题分类器的规范文档。
// 确定性：同一RequestRecord永远得到同一文档。
func Canonicalize(rec *models.RequestRecord) Document {
	var text []string

	text = append(text, headerTokens(rec.Headers, "request")...)
	text = append(text, "request_method_"+rec.Method+" request_protocol_"+rec.Protocol)

	uri := NestedDecode(rec.URI)
	path, query := splitURI(uri)
	if p := MaskPath(path); p != "" {
		text = append(text, p)
	}
	if q := MaskQuery(query); q != "" {
		text = append(text, q)
	}

	if len(rec.Body) > 0 {
		keys := make([]string, 0, len(rec.Body))
		for k := range rec.Body {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, name := range keys {
			text = append(text, "post_"+name+" "+MaskParamValue(NestedDecode(rec.Body[name])))
		}
	}

	if cls := addressClass(rec.RemoteIP); cls != "" {
		text = append(text, cls)
	}

	return Document(strings.ToLower(strings.Join(text, " ")))
}

// ExtractFeatures 把请求快照转成结构化特征行
func ExtractFeatures(rec *models.RequestRecord) StructuredFeatureRow {
	uri := NestedDecode(strings.ToLower(rec.URI))
	path, query := splitURI(uri)

	bodyLen := 0
	var bodyParts []string
	if len(rec.Body) > 0 {
		keys := make([]string, 0, len(rec.Body))
		for k := range rec.Body {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, name := range keys {
			bodyLen += len(rec.Body[name])
			bodyParts = append(bodyParts, "<BodyKey> = "+strings.TrimSpace(MaskParamValue(rec.Body[name])))
		}
	}

	requestLength := -1
	if cl, ok := rec.Header("Content-Length"); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(cl)); err == nil {
			requestLength = n
		}
	}

	h := make(map[string]string, len(rec.Headers))
	for key, value := range rec.Headers {
		keyLow := strings.ToLower(key)
		switch {
		case keyLow == "x-zap-scan-id":
		case keyLow == "cookie":
			h[keyLow] = maskPairs(value, ";", "<CookieKey>")
		case versionHeaders[keyLow]:
			h[keyLow] = strings.ReplaceAll(versionNum.ReplaceAllString(value, "version"), " ", "")
		case dateHeaders[keyLow]:
			h[keyLow] = strings.ReplaceAll(minuteSec.ReplaceAllString(value, ""), " ", "")
		case keyLow == "accept" || keyLow == "accept-language":
			h[keyLow] = strings.ReplaceAll(qualityAttr.ReplaceAllString(value, ""), " ", "")
		default:
			h[keyLow] = nonAlnum.ReplaceAllString(value, "")
		}
	}

	return StructuredFeatureRow{
		Method:        rec.Method,
		URIPath:       MaskPath(path),
		URIQuery:      MaskQuery(query),
		Body:          strings.Join(bodyParts, " ? "),
		RequestLength: requestLength,
		URILength:     len(rec.URI),
		BodyLength:    bodyLen,
		Headers:       h,
	}
}
