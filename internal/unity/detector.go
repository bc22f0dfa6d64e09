package unity

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// 提取参数: 标记窗口与扫描上限
const (
	markerHitLimit     = 10         // 单条目最多检查的标记命中数
	markerWindowBefore = 50         // 标记前窗口字节数
	markerWindowAfter  = 200        // 标记后窗口字节数
	regexSweepLimit    = 500 * 1024 // 正则兜底扫描的字节上限
	sweepRunLimit      = 30         // 可打印字符串最大提取长度
	sweepRunMinLen     = 6          // 可打印字符串最小有效长度
	entryCandidateCap  = 5          // 单条目最多保留的候选数
)

// sweepStartDigrams 版本号可能的起始双字节
var sweepStartDigrams = []string{"20", "5.", "4.", "3."}

// deepScanSkipSuffixes 深度扫描跳过的常见非载体后缀
var deepScanSkipSuffixes = []string{
	".dex", ".arsc", ".xml", ".png", ".jpg", ".webp", ".ogg", ".mp3", ".ttf", ".otf",
}

// Detector 版本载体探测器
type Detector struct {
	rules  []CarrierRule
	opts   Options
	logger *logrus.Logger
}

// NewDetector 创建版本载体探测器
func NewDetector(opts Options, logger *logrus.Logger) *Detector {
	rules := GetBuiltinRules()
	// 按优先级降序排序
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Priority > rules[j].Priority
	})

	return &Detector{
		rules:  rules,
		opts:   opts.withDefaults(),
		logger: logger,
	}
}

// Rules 返回当前规则表 (优先级降序)
func (d *Detector) Rules() []CarrierRule {
	return d.rules
}

// PrimaryScan 按优先级扫描已知载体条目
// 候选得分达到阈值即提前返回; 载体缺失或损坏不影响后续载体
func (d *Detector) PrimaryScan(ctx context.Context, ar *Archive) (*phaseResult, error) {
	res := &phaseResult{}

	for _, rule := range d.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		for _, file := range d.ruleEntries(ar, rule) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			data, err := ar.ReadFilePrefix(file, rule.MaxRead)
			if err != nil {
				// 单个载体损坏不致命, 记录后继续
				d.logger.WithError(err).WithField("entry", file.Name).Warn("Failed to read carrier entry")
				res.diagnostics = append(res.diagnostics, fmt.Sprintf("carrier %s skipped: %v", file.Name, err))
				continue
			}
			res.bytesRead += int64(len(data))
			res.entriesScanned++

			candidates := d.extractByStrategy(rule.Strategy, rule.Markers, file.Name, data)
			for i := range candidates {
				candidates[i].Phase = "primary"
				candidates[i].Score = d.scorePrimary(rule, &candidates[i])
			}
			res.candidates = append(res.candidates, candidates...)

			if best := bestCandidate(candidates); best != nil {
				if res.best == nil || best.Score > res.best.Score {
					res.best = best
				}
			}

			// 得分达标, 提前终止
			if res.best != nil && res.best.Score >= d.opts.PrimaryConfidenceThreshold {
				d.logger.WithFields(logrus.Fields{
					"entry":   res.best.Entry,
					"version": res.best.Normalized,
					"score":   res.best.Score,
				}).Debug("Primary scan short-circuited on high confidence match")
				return res, nil
			}
		}
	}

	return res, nil
}

// DeepScan 对主扫描未识别的包做启发式全量扫描
// 受总字节预算与条目数量上限约束
func (d *Detector) DeepScan(ctx context.Context, ar *Archive) (*phaseResult, error) {
	res := &phaseResult{}
	budget := d.opts.DeepScanByteCeiling

	for _, file := range ar.Entries() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if res.entriesScanned >= d.opts.DeepScanEntryLimit {
			res.diagnostics = append(res.diagnostics, "deep scan entry limit reached")
			break
		}
		if budget <= 0 {
			res.diagnostics = append(res.diagnostics, "deep scan byte budget exhausted")
			break
		}
		if !d.isDeepScanCandidate(file) {
			continue
		}

		maxRead := d.opts.MaxEntryRead
		if maxRead > budget {
			maxRead = budget
		}

		data, err := ar.ReadFilePrefix(file, maxRead)
		if err != nil {
			d.logger.WithError(err).WithField("entry", file.Name).Warn("Failed to read entry during deep scan")
			res.diagnostics = append(res.diagnostics, fmt.Sprintf("entry %s skipped: %v", file.Name, err))
			continue
		}
		budget -= int64(len(data))
		res.bytesRead += int64(len(data))
		res.entriesScanned++

		candidates := d.extractByStrategy(StrategyMarkerWindow, []string{"Unity"}, file.Name, data)
		for i := range candidates {
			candidates[i].Phase = "deep"
			candidates[i].Score = d.scoreDeep(file.Name, &candidates[i])
		}
		res.candidates = append(res.candidates, candidates...)

		best := bestCandidate(candidates)
		if best != nil && (res.best == nil || best.Score > res.best.Score) {
			res.best = best
		}

		// 标记邻近且版本可信时无需继续消耗预算
		if res.best != nil && res.best.MarkerAdjacent && isPlausibleVersion(res.best.Normalized) {
			d.logger.WithFields(logrus.Fields{
				"entry":   res.best.Entry,
				"version": res.best.Normalized,
			}).Debug("Deep scan short-circuited on marker-adjacent match")
			return res, nil
		}
	}

	return res, nil
}

// ruleEntries 解析规则指向的条目 (精确路径或path.Match模式)
func (d *Detector) ruleEntries(ar *Archive, rule CarrierRule) []*zip.File {
	if strings.ContainsAny(rule.Entry, "*?[") {
		return ar.Glob(rule.Entry)
	}
	if file, ok := ar.Entry(rule.Entry); ok {
		return []*zip.File{file}
	}
	return nil
}

// extractByStrategy 按策略提取版本候选
// marker_window策略在无标记命中时降级为正则兜底与字符串扫描
func (d *Detector) extractByStrategy(strategy string, markers []string, entry string, data []byte) []MatchCandidate {
	switch strategy {
	case StrategyHeaderToken:
		return d.headerTokenScan(entry, data)
	case StrategyMarkerWindow:
		candidates := d.markerWindowScan(entry, data, markers)
		if len(candidates) == 0 {
			candidates = d.regexSweep(entry, data)
		}
		if len(candidates) == 0 {
			candidates = d.tokenSweep(entry, data)
		}
		return candidates
	case StrategyTokenSweep:
		return d.tokenSweep(entry, data)
	}
	return nil
}

// headerTokenScan 在条目头部有界数据内匹配版本文法
func (d *Detector) headerTokenScan(entry string, data []byte) []MatchCandidate {
	var candidates []MatchCandidate
	seen := make(map[string]bool)

	for _, loc := range versionTokenPattern.FindAllIndex(data, -1) {
		raw := string(data[loc[0]:loc[1]])
		cand, ok := newCandidate(entry, raw, int64(loc[0]), false)
		if !ok || seen[cand.Normalized] {
			continue
		}
		seen[cand.Normalized] = true
		candidates = append(candidates, cand)
		if len(candidates) >= entryCandidateCap {
			break
		}
	}

	return candidates
}

// markerWindowScan 定位标记字节, 在邻近窗口内匹配版本文法
func (d *Detector) markerWindowScan(entry string, data []byte, markers []string) []MatchCandidate {
	var candidates []MatchCandidate
	seen := make(map[string]bool)

	for _, marker := range markers {
		markerBytes := []byte(marker)
		hits := 0
		searchFrom := 0

		for hits < markerHitLimit {
			idx := bytes.Index(data[searchFrom:], markerBytes)
			if idx < 0 {
				break
			}
			idx += searchFrom
			hits++
			searchFrom = idx + len(markerBytes)

			winStart := idx - markerWindowBefore
			if winStart < 0 {
				winStart = 0
			}
			winEnd := idx + markerWindowAfter
			if winEnd > len(data) {
				winEnd = len(data)
			}

			for _, loc := range versionTokenPattern.FindAllIndex(data[winStart:winEnd], -1) {
				raw := string(data[winStart+loc[0] : winStart+loc[1]])
				cand, ok := newCandidate(entry, raw, int64(winStart+loc[0]), true)
				if !ok || seen[cand.Normalized] {
					continue
				}
				seen[cand.Normalized] = true
				candidates = append(candidates, cand)
				if len(candidates) >= entryCandidateCap {
					return candidates
				}
			}
		}
	}

	return candidates
}

// regexSweep 对条目前段数据做正则兜底扫描
func (d *Detector) regexSweep(entry string, data []byte) []MatchCandidate {
	limit := len(data)
	if limit > regexSweepLimit {
		limit = regexSweepLimit
	}

	var candidates []MatchCandidate
	seen := make(map[string]bool)

	for _, loc := range versionTokenPattern.FindAllIndex(data[:limit], -1) {
		raw := string(data[loc[0]:loc[1]])
		cand, ok := newCandidate(entry, raw, int64(loc[0]), false)
		if !ok || seen[cand.Normalized] {
			continue
		}
		seen[cand.Normalized] = true
		candidates = append(candidates, cand)
		if len(candidates) >= entryCandidateCap {
			break
		}
	}

	return candidates
}

// tokenSweep 按版本起始双字节扫描可打印字符串并解析
func (d *Detector) tokenSweep(entry string, data []byte) []MatchCandidate {
	var candidates []MatchCandidate
	seen := make(map[string]bool)

	for _, digram := range sweepStartDigrams {
		digramBytes := []byte(digram)
		searchFrom := 0

		for {
			idx := bytes.Index(data[searchFrom:], digramBytes)
			if idx < 0 {
				break
			}
			idx += searchFrom
			searchFrom = idx + 1

			run := printableRun(data, idx)
			if len(run) < sweepRunMinLen {
				continue
			}

			cand, ok := newCandidate(entry, run, int64(idx), false)
			if !ok || seen[cand.Normalized] {
				continue
			}
			seen[cand.Normalized] = true
			candidates = append(candidates, cand)
			if len(candidates) >= entryCandidateCap {
				return candidates
			}
		}
	}

	return candidates
}

// printableRun 从起点提取可打印ASCII字符串, 最长sweepRunLimit字节
func printableRun(data []byte, start int) string {
	end := start
	limit := start + sweepRunLimit
	if limit > len(data) {
		limit = len(data)
	}
	for end < limit {
		b := data[end]
		if b < 32 || b > 126 {
			break
		}
		end++
	}
	return string(data[start:end])
}

// scorePrimary 计算主扫描候选得分
func (d *Detector) scorePrimary(rule CarrierRule, cand *MatchCandidate) float64 {
	score := rule.Weight
	if cand.MarkerAdjacent {
		score += 0.05
	}
	if !isPlausibleVersion(cand.Normalized) {
		score -= 0.35
	}
	return clamp01(score)
}

// scoreDeep 计算深度扫描候选得分
// 标记邻近的匹配高于裸文法匹配
func (d *Detector) scoreDeep(entry string, cand *MatchCandidate) float64 {
	w := d.opts.DeepScanWeights
	score := w.Base
	if cand.MarkerAdjacent {
		score += w.MarkerAdjacent
	}
	if isPlausibleVersion(cand.Normalized) {
		score += w.PlausibleMajor
	}
	if strings.HasPrefix(entry, "assets/bin/") {
		score += w.DataPath
	}
	return clamp01(score)
}

// isDeepScanCandidate 判断条目是否值得深度扫描
func (d *Detector) isDeepScanCandidate(file *zip.File) bool {
	name := file.Name
	if strings.HasSuffix(name, "/") {
		return false
	}
	if strings.HasPrefix(name, "META-INF/") {
		return false
	}
	// 大小超限的条目整体跳过
	if int64(file.UncompressedSize64) > d.opts.MaxEntryRead {
		return false
	}

	lower := strings.ToLower(name)
	for _, suffix := range deepScanSkipSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return false
		}
	}

	if strings.HasSuffix(lower, ".so") {
		return true
	}
	if strings.HasPrefix(name, "assets/bin/") {
		return true
	}
	if strings.Contains(lower, ".bundle") {
		return true
	}
	// 无扩展名的条目可能是改名后的数据文件
	return !strings.Contains(path.Base(name), ".")
}

// newCandidate 构造候选并规范化版本号, 文法非法时丢弃
func newCandidate(entry, raw string, offset int64, markerAdjacent bool) (MatchCandidate, bool) {
	normalized, err := Normalize(raw)
	if err != nil {
		return MatchCandidate{}, false
	}
	return MatchCandidate{
		Raw:            raw,
		Normalized:     normalized,
		Entry:          entry,
		Offset:         offset,
		MarkerAdjacent: markerAdjacent,
	}, true
}

// bestCandidate 取得分最高的候选, 得分相同时偏移更小者优先
func bestCandidate(candidates []MatchCandidate) *MatchCandidate {
	var best *MatchCandidate
	for i := range candidates {
		c := &candidates[i]
		if best == nil || c.Score > best.Score || (c.Score == best.Score && c.Offset < best.Offset) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	picked := *best
	return &picked
}

// isPlausibleVersion 检查规范化版本号是否属于已知Unity世代
func isPlausibleVersion(normalized string) bool {
	v, err := ParseVersion(normalized)
	if err != nil {
		return false
	}
	return v.IsPlausible()
}

// clamp01 将得分收敛到[0,1]
func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
