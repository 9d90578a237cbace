package admission

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

const (
	policyFunction   = "admit"
	policyTimeout    = time.Second
	policyStepBudget = 1_000_000
)

// Policy 基于 Starlark 脚本的准入策略。脚本需定义 admit(request)，
// request 为 {"model", "surface", "stream"} 字典；返回 True/None 表示放行，
// False 或非空字符串表示拒绝，字符串作为拒绝原因。
type Policy struct {
	name  string
	admit starlark.Callable
	print func(msg string)
}

// LoadPolicy 从文件加载策略脚本
func LoadPolicy(filename string, print func(msg string)) (*Policy, error) {
	src, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file '%s': %w", filename, err)
	}
	return CompilePolicy(filename, src, print)
}

// CompilePolicy 执行脚本顶层代码并取出 admit 函数
func CompilePolicy(name string, src []byte, print func(msg string)) (*Policy, error) {
	p := &Policy{name: name, print: print}
	thread := p.newThread()
	globals, err := starlark.ExecFileOptions(&syntax.FileOptions{}, thread, name, src, nil)
	if err != nil {
		return nil, fmt.Errorf("policy '%s': %w", name, err)
	}

	fn, ok := globals[policyFunction]
	if !ok {
		return nil, fmt.Errorf("policy '%s': function %s(request) is not defined", name, policyFunction)
	}
	callable, ok := fn.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("policy '%s': %s is a %s, not a function", name, policyFunction, fn.Type())
	}
	p.admit = callable
	return p, nil
}

// Evaluate 对一个请求执行策略。返回 reason 非空表示拒绝。
func (p *Policy) Evaluate(ctx context.Context, req Request) (reason string, err error) {
	arg := starlark.NewDict(3)
	arg.SetKey(starlark.String("model"), starlark.String(req.Model))
	arg.SetKey(starlark.String("surface"), starlark.String(req.Surface))
	arg.SetKey(starlark.String("stream"), starlark.Bool(req.Stream))

	thread := p.newThread()
	thread.SetMaxExecutionSteps(policyStepBudget)

	ctx, cancel := context.WithTimeout(ctx, policyTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { thread.Cancel(ctx.Err().Error()) })
	defer stop()

	result, err := starlark.Call(thread, p.admit, starlark.Tuple{arg}, nil)
	if err != nil {
		return "", fmt.Errorf("policy '%s' failed: %w", p.name, err)
	}

	switch v := result.(type) {
	case starlark.NoneType:
		return "", nil
	case starlark.Bool:
		if v {
			return "", nil
		}
		return "rejected by admission policy", nil
	case starlark.String:
		return string(v), nil
	default:
		return "", fmt.Errorf("policy '%s': %s must return bool, string or None, got %s", p.name, policyFunction, result.Type())
	}
}

func (p *Policy) newThread() *starlark.Thread {
	thread := &starlark.Thread{Name: "admission"}
	if p.print != nil {
		thread.Print = func(_ *starlark.Thread, msg string) { p.print(msg) }
	}
	return thread
}
