package graph

import (
	"fmt"

	"github.com/antonmedv/expr"

	"shopflow/internal/types"
)

// ruleEnv 构造规则引擎的执行环境
// 模板规则通过 order.<attr> 读取工单属性，例如 `order.frameDamage == true`
func ruleEnv(p types.OrderProfile) map[string]interface{} {
	attrs := p.Attrs
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	return map[string]interface{}{
		"order":    attrs,
		"shop":     p.ShopID,
		"priority": string(p.Priority),
		"rush":     p.IsRush,
	}
}

// evaluateRule 判断工序是否适用于该工单；空规则默认适用
func evaluateRule(rule string, p types.OrderProfile) (bool, error) {
	if rule == "" {
		return true, nil
	}
	env := ruleEnv(p)
	program, err := expr.Compile(rule, expr.Env(env))
	if err != nil {
		return false, fmt.Errorf("%w: rule %q compilation failed: %v", types.ErrInvalidTemplate, rule, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("%w: rule %q execution failed: %v", types.ErrInvalidTemplate, rule, err)
	}
	applicable, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("%w: rule %q result is not a boolean", types.ErrInvalidTemplate, rule)
	}
	return applicable, nil
}

// ValidateRule 只编译规则，用于加载模板时提前发现语法错误
func ValidateRule(rule string) error {
	if rule == "" {
		return nil
	}
	if _, err := expr.Compile(rule, expr.Env(ruleEnv(types.OrderProfile{}))); err != nil {
		return fmt.Errorf("%w: rule %q compilation failed: %v", types.ErrInvalidTemplate, rule, err)
	}
	return nil
}
