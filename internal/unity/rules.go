package unity

import (
	"path"
	"strings"
)

// GetBuiltinRules 获取内置版本载体规则库
func GetBuiltinRules() []CarrierRule {
	return []CarrierRule{
		// ==================== 数据文件载体 (高优先级) ====================
		{
			Entry:       "assets/bin/Data/globalgamemanagers",
			DisplayName: "globalgamemanagers",
			Strategy:    StrategyHeaderToken,
			Weight:      0.95,
			MaxRead:     1 << 20,
			Priority:    100,
		},
		{
			Entry:       "assets/bin/Data/data.unity3d",
			DisplayName: "data.unity3d",
			Strategy:    StrategyHeaderToken,
			Weight:      0.9,
			MaxRead:     1 << 20,
			Priority:    95,
		},
		{
			Entry:       "assets/bin/Data/level0",
			DisplayName: "level0",
			Strategy:    StrategyHeaderToken,
			Weight:      0.85,
			MaxRead:     1 << 20,
			Priority:    90,
		},
		{
			Entry:       "assets/bin/Data/mainData",
			DisplayName: "mainData",
			Strategy:    StrategyHeaderToken,
			Weight:      0.85,
			MaxRead:     1 << 20,
			Priority:    85,
		},
		// ==================== Native库载体 ====================
		{
			Entry:       "lib/arm64-v8a/libunity.so",
			DisplayName: "libunity.so (ARM64)",
			Strategy:    StrategyMarkerWindow,
			Markers:     []string{"Unity"},
			Weight:      0.8,
			MaxRead:     16 << 20,
			Priority:    80,
		},
		{
			Entry:       "lib/armeabi-v7a/libunity.so",
			DisplayName: "libunity.so (ARMv7)",
			Strategy:    StrategyMarkerWindow,
			Markers:     []string{"Unity"},
			Weight:      0.8,
			MaxRead:     16 << 20,
			Priority:    75,
		},
		{
			Entry:       "lib/x86_64/libunity.so",
			DisplayName: "libunity.so (x86_64)",
			Strategy:    StrategyMarkerWindow,
			Markers:     []string{"Unity"},
			Weight:      0.8,
			MaxRead:     16 << 20,
			Priority:    70,
		},
		{
			Entry:       "lib/x86/libunity.so",
			DisplayName: "libunity.so (x86)",
			Strategy:    StrategyMarkerWindow,
			Markers:     []string{"Unity"},
			Weight:      0.8,
			MaxRead:     16 << 20,
			Priority:    65,
		},
	}
}

// GetCarrierDisplayName 获取载体条目的展示名称
func GetCarrierDisplayName(entry string) string {
	for _, rule := range GetBuiltinRules() {
		if rule.Entry == entry {
			return rule.DisplayName
		}
		if ok, _ := path.Match(rule.Entry, entry); ok {
			return rule.DisplayName
		}
	}
	return entry
}

// IsKnownCarrier 检查条目是否为已知版本载体
func IsKnownCarrier(entry string) bool {
	for _, rule := range GetBuiltinRules() {
		if rule.Entry == entry {
			return true
		}
		if ok, _ := path.Match(rule.Entry, entry); ok {
			return true
		}
	}
	return false
}

// unityIndicatorPrefixes Unity应用特征路径前缀
var unityIndicatorPrefixes = []string{
	"assets/bin/Data/",
}

// unityIndicatorPatterns Unity应用特征条目模式
var unityIndicatorPatterns = []string{
	"lib/*/libunity.so",
	"lib/*/libil2cpp.so",
}

// IsUnityIndicator 检查条目是否为Unity应用特征
func IsUnityIndicator(entry string) bool {
	for _, prefix := range unityIndicatorPrefixes {
		if strings.HasPrefix(entry, prefix) {
			return true
		}
	}
	for _, pattern := range unityIndicatorPatterns {
		if ok, _ := path.Match(pattern, entry); ok {
			return true
		}
	}
	return false
}
