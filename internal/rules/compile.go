package rules

import (
	"fmt"

	"github.com/tidwall/sjson"

	"reqroute/internal/logger"
	"reqroute/internal/registry"
	"reqroute/internal/route"
	"reqroute/pkg/domain"
)

// Compile 将规则配置编译为处理器注册。每条规则编译为一个处理器：
// 附加条件不满足时 fallback 让行；fulfill/abort 为终结动作；
// 改写动作通过 fallback 叠加到链上，由后续处理器或隐式放行收尾。
func Compile(cfg *Config, reg *registry.Registry, log logger.Logger) ([]domain.RegistrationID, error) {
	if log == nil {
		log = logger.NewNop()
	}
	var ids []domain.RegistrationID
	for _, r := range sortRules(cfg.Rules) {
		r := r
		p, err := compilePattern(r.Match)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.ID, err)
		}
		handler := buildHandler(r, log)
		id := reg.Register(p, handler, r.Times)
		ids = append(ids, id)
		log.Info("规则已编译注册", "rule", r.ID, "name", r.Name, "priority", r.Priority, "registration", string(id))
	}
	return ids, nil
}

// buildHandler 为单条规则构造处理器闭包
func buildHandler(r Rule, log logger.Logger) registry.Handler {
	return func(rt *route.Route) {
		req := rt.Request()
		if !matchRequest(req, r.Match) {
			_ = rt.Fallback(nil)
			return
		}

		switch {
		case r.Action.Abort != nil:
			log.Info("规则中止请求", "rule", r.ID, "url", req.URL, "reason", r.Action.Abort.Reason)
			if err := rt.Abort(abortReason(r.Action.Abort.Reason)); err != nil {
				log.Err(err, "规则中止失败", "rule", r.ID)
			}
		case r.Action.Fulfill != nil:
			f := r.Action.Fulfill
			body := f.Body
			for path, val := range f.JSONPatch {
				patched, err := sjson.Set(body, path, val)
				if err != nil {
					log.Err(err, "响应体修补失败", "rule", r.ID, "path", path)
					continue
				}
				body = patched
			}
			opts := route.FulfillOptions{Status: f.Status, Body: []byte(body)}
			if len(f.Headers) > 0 {
				opts.Headers = make(map[string]string, len(f.Headers))
				for k, v := range f.Headers {
					opts.Headers[k] = v
				}
			}
			log.Info("规则合成响应", "rule", r.ID, "url", req.URL, "status", f.Status)
			if err := rt.Fulfill(opts); err != nil {
				log.Err(err, "规则合成响应失败", "rule", r.ID)
			}
		default:
			o := overridesFromAction(r.Action)
			log.Debug("规则改写请求", "rule", r.ID, "url", req.URL)
			if err := rt.Fallback(o); err != nil {
				log.Err(err, "规则改写失败", "rule", r.ID)
			}
		}
	}
}
