package unity

import (
	"fmt"
	"regexp"
	"strconv"
)

// versionTokenPattern Unity版本文法: MAJOR.MINOR.PATCH + 可选发布类型与构建号
// 例如 2021.3.1f1 / 5.6.7 / 2019.4.40b3
var versionTokenPattern = regexp.MustCompile(`([0-9]+)\.([0-9]+)\.([0-9]+)(?:([abcfp])([0-9]+))?`)

// maxMajorVersion MAJOR上限, 超过视为非法版本号
const maxMajorVersion = 9999

// Version 解析后的Unity版本号
type Version struct {
	Major       int    `json:"major"`
	Minor       int    `json:"minor"`
	Patch       int    `json:"patch"`
	ReleaseType string `json:"release_type"` // a/b/c/f/p, 为空表示无发布类型
	Build       int    `json:"build"`
	Raw         string `json:"raw"` // 提取前的原始字符串
}

// String 返回规范化版本号
func (v *Version) String() string {
	if v.ReleaseType == "" {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	}
	return fmt.Sprintf("%d.%d.%d%s%d", v.Major, v.Minor, v.Patch, v.ReleaseType, v.Build)
}

// IsPlausible 检查是否为已知Unity发行世代的版本号
// 年份版本为2017-2025, 早期版本为3.x/4.x/5.x
func (v *Version) IsPlausible() bool {
	if v.Major >= 2017 && v.Major <= 2025 {
		return true
	}
	return v.Major >= 3 && v.Major <= 5
}

// ParseVersion 从原始字符串提取并解析版本号
// 允许字符串前后携带无关字节, 取第一个合法的文法匹配
func ParseVersion(raw string) (*Version, error) {
	matches := versionTokenPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidVersionFormat, truncateRaw(raw))
	}

	for _, m := range matches {
		v, err := buildVersion(m)
		if err != nil {
			continue
		}
		v.Raw = raw
		return v, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrInvalidVersionFormat, truncateRaw(raw))
}

// Normalize 规范化版本字符串
// 幂等: Normalize(Normalize(x)) == Normalize(x)
func Normalize(raw string) (string, error) {
	v, err := ParseVersion(raw)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// Generation 返回版本所属发行世代: 年份版本取年份, 早期版本取主版本号
// 例如 "2021.3.1f1" -> "2021", "5.6.7" -> "5"; 无法解析时返回空字符串
func Generation(version string) string {
	v, err := ParseVersion(version)
	if err != nil {
		return ""
	}
	return strconv.Itoa(v.Major)
}

// buildVersion 将正则分组转换为Version
func buildVersion(m []string) (*Version, error) {
	major, err := strconv.Atoi(m[1])
	if err != nil {
		return nil, fmt.Errorf("%w: major out of range", ErrInvalidVersionFormat)
	}
	if major > maxMajorVersion {
		return nil, fmt.Errorf("%w: major %d exceeds %d", ErrInvalidVersionFormat, major, maxMajorVersion)
	}

	minor, err := strconv.Atoi(m[2])
	if err != nil {
		return nil, fmt.Errorf("%w: minor out of range", ErrInvalidVersionFormat)
	}

	patch, err := strconv.Atoi(m[3])
	if err != nil {
		return nil, fmt.Errorf("%w: patch out of range", ErrInvalidVersionFormat)
	}

	v := &Version{
		Major: major,
		Minor: minor,
		Patch: patch,
	}

	if m[4] != "" {
		build, err := strconv.Atoi(m[5])
		if err != nil {
			return nil, fmt.Errorf("%w: build out of range", ErrInvalidVersionFormat)
		}
		v.ReleaseType = m[4]
		v.Build = build
	}

	return v, nil
}

// truncateRaw 截断原始字符串用于错误信息
func truncateRaw(raw string) string {
	const limit = 40
	if len(raw) <= limit {
		return raw
	}
	return raw[:limit] + "..."
}
