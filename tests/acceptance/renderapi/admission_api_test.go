package renderapi_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/valyala/fasthttp"

	"github.com/pagelens/renderd/internal/admission"
	"github.com/pagelens/renderd/internal/config"
	"github.com/pagelens/renderd/pkg/types"
)

var _ = Describe("Admission control", func() {
	denialFor := func(resp *fasthttp.RequestCtx) types.Denial {
		Expect(resp.Response.StatusCode()).To(Equal(fasthttp.StatusTooManyRequests))
		var denial types.Denial
		Expect(jsonDecodeData(resp, &denial)).To(Succeed())
		Expect(denial.Limited).To(BeTrue())
		return denial
	}

	It("denies burst traffic before the rolling window", func() {
		env := newEnv(func(cfg *config.Config) {
			cfg.Admission.Quotas[admission.CategoryRender] = admission.Quota{
				WindowLimit: 100,
				BurstLimit:  2,
			}
		})

		req := types.RenderRequest{URL: "https://shop.example/"}
		Expect(env.render(req).Response.StatusCode()).To(Equal(fasthttp.StatusOK))
		Expect(env.render(req).Response.StatusCode()).To(Equal(fasthttp.StatusOK))

		denial := denialFor(env.render(req))
		Expect(denial.Reason).To(Equal("BURST_LIMIT"))
		Expect(denial.RetryAfterSeconds).To(BeNumerically(">", 0))
	})

	It("escalates repeat offenders to a temporary block", func() {
		env := newEnv(func(cfg *config.Config) {
			cfg.Admission.Quotas[admission.CategoryRender] = admission.Quota{
				WindowLimit: 1,
				BurstLimit:  100,
			}
			cfg.Admission.ViolationThreshold = 2
		})

		req := types.RenderRequest{URL: "https://shop.example/"}
		Expect(env.render(req).Response.StatusCode()).To(Equal(fasthttp.StatusOK))

		Expect(denialFor(env.render(req)).Reason).To(Equal("RATE_LIMIT"))
		Expect(denialFor(env.render(req)).Reason).To(Equal("RATE_LIMIT"))

		// The second violation crossed the threshold; the identity is now
		// blocked outright, on every endpoint.
		Expect(denialFor(env.render(req)).Reason).To(Equal("IP_BLOCKED"))
		Expect(denialFor(env.do(fasthttp.MethodGet, "/status", nil)).Reason).To(Equal("IP_BLOCKED"))
	})

	It("denies new work while the inflight budget is saturated", func() {
		gate := make(chan struct{})
		env := newEnv(func(cfg *config.Config) {
			cfg.Admission.MaxInflight = 1
			cfg.Admission.Quotas[admission.CategoryRender] = admission.Quota{
				WindowLimit: 1000,
				BurstLimit:  1000,
			}
		})
		env.engine.page("https://slow.example/", pageBehavior{
			html: "<html><body>slow</body></html>",
			gate: gate,
		})

		occupied := make(chan *fasthttp.RequestCtx, 1)
		go func() {
			defer GinkgoRecover()
			occupied <- env.render(types.RenderRequest{URL: "https://slow.example/"})
		}()

		Eventually(func() string {
			resp := env.render(types.RenderRequest{URL: "https://shop.example/"})
			if resp.Response.StatusCode() != fasthttp.StatusTooManyRequests {
				return ""
			}
			var denial types.Denial
			if err := jsonDecodeData(resp, &denial); err != nil {
				return ""
			}
			return denial.Reason
		}).Should(Equal("RESOURCE_EXHAUSTION"))

		close(gate)

		var resp *fasthttp.RequestCtx
		Eventually(occupied).Should(Receive(&resp))
		Expect(resp.Response.StatusCode()).To(Equal(fasthttp.StatusOK))
	})

	It("requires the bearer token on the render endpoints", func() {
		env := newEnv(func(cfg *config.Config) {
			cfg.Server.AuthToken = "acceptance-secret"
		})

		// Request without credentials.
		ctx := &fasthttp.RequestCtx{}
		ctx.Init(&fasthttp.Request{}, nil, nil)
		ctx.Request.Header.SetMethod(fasthttp.MethodPost)
		ctx.Request.SetRequestURI("/render")
		ctx.Request.SetBody([]byte(`{"url":"https://shop.example/"}`))
		env.handler(ctx)
		Expect(ctx.Response.StatusCode()).To(Equal(fasthttp.StatusUnauthorized))

		// The helper attaches the configured token.
		Expect(env.render(types.RenderRequest{URL: "https://shop.example/"}).
			Response.StatusCode()).To(Equal(fasthttp.StatusOK))
	})
})
