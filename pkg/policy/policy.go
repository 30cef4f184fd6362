// Package policy 实现按攻击类别的放行/拦截覆写：用户按类别名
// 配置block/allow集合，对两个分类器的榜单逐名次做短路判定。
package policy

import (
	"fmt"

	"go-menshen/pkg/models"
)

// categories 类别名到该类别下所有标签（扫描器规则名、规则id、
// 模拟器标签）的映射
var categories = map[string][]string{
	"sql": {
		"SQL Injection", "40018",
		"SQL Injection - Hypersonic SQL", "40020",
		"SQL Injection - MsSQL", "40027",
		"SQL Injection - MySQL", "40019",
		"SQL Injection - Oracle", "40021",
		"SQL Injection - PostgreSQL", "40022",
		"SQL Injection - SQLite", "40024",
		"sqli",
	},
	"xss": {
		"Cross Site Scripting (Persistent) - Prime", "40016",
		"Cross Site Scripting (Reflected)", "40012",
		"Anti-CSRF Tokens Check", "20012",
		"xss",
	},
	"tampering": {
		"Parameter Tampering", "40008",
		"Cookie Slack Detector", "90027",
		"CRLF Injection", "40003",
		"User Agent Fuzzer", "10104",
		"crlf",
	},
	"execution": {
		"Remote Code Execution - Shell Shock", "10048",
		"Server Side Code Injection", "90019",
		"Server Side Include", "40009",
		"XPath Injection", "90021",
		"XSLT Injection", "90017",
		"Expression Language Injection", "90025",
		"Remote File Inclusion", "7",
		"Remote OS Command Injection", "90020",
		"Format String Error", "30002",
		"cmd_exec",
		"rfi",
		"php_code_injection",
	},
	"disclosure": {
		"Source Code Disclosure - File Inclusion", "43",
		"Path Traversal", "6",
		"lfi",
	},
	"overflows": {
		"Buffer Overflow", "30001",
		"Integer Overflow Error", "30003",
	},
	"encryption": {
		"Generic Padding Oracle", "90024",
	},
	"cve": {
		"Apache Range Header DoS (CVE-2011-3192)", "10053",
		"error",
	},
	"redirect": {
		"External Redirect", "20019",
		"Httpoxy - Proxy Header Misuse", "10107",
	},
}

// Connect 决策引擎注入的逻辑连接子
type Connect func(a, b bool) bool

// Policy 按类别的覆写策略，block/allow集合必须不相交
type Policy struct {
	block map[string]bool
	allow map[string]bool
}

// New 从配置的类别名列表构建策略；同一标签既被拦又被放是
// 致命配置错误，由调用方终止进程
func New(blockCategories, allowCategories []string) (*Policy, error) {
	p := &Policy{
		block: expand(blockCategories),
		allow: expand(allowCategories),
	}
	for label := range p.block {
		if p.allow[label] {
			return nil, fmt.Errorf("类别标签 %q 同时出现在block和allow中，二选一", label)
		}
	}
	return p, nil
}

// expand 类别名展开为标签集合，未知类别名忽略
func expand(names []string) map[string]bool {
	set := make(map[string]bool)
	for _, name := range names {
		for _, label := range categories[name] {
			set[label] = true
		}
	}
	return set
}

// Active 两个集合有一个非空即生效
func (p *Policy) Active() bool {
	return len(p.block) > 0 || len(p.allow) > 0
}

// Decide 对两个榜单逐名次判定。每个名次先算"未被拦截"：
// 各自的block集合命中取反后经连接子合并，为假立即返回拦截
// （短路，不看后续名次）；再算"直接放行"：allow集合命中经
// 连接子合并，为真立即返回放行。全部名次无结论返回nil，
// 交还默认的融合规则。返回值语义：is_safe。
func (p *Policy) Decide(a, b []models.Prediction, connect Connect) *bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		notBlocked := connect(!p.block[a[i].Label], !p.block[b[i].Label])
		if !notBlocked {
			v := false
			return &v
		}
		allowed := connect(p.allow[a[i].Label], p.allow[b[i].Label])
		if allowed {
			v := true
			return &v
		}
	}
	return nil
}
