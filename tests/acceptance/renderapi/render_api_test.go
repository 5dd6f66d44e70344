package renderapi_test

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/valyala/fasthttp"

	"github.com/pagelens/renderd/internal/browser"
	"github.com/pagelens/renderd/pkg/types"
)

var _ = Describe("POST /render", func() {
	var env *testEnv

	BeforeEach(func() {
		env = newEnv()
	})

	Describe("Successful render", func() {
		It("returns the rendered page with metadata", func() {
			env.engine.page("https://shop.example/catalog", pageBehavior{
				html:   "<html><head><title>Catalog</title></head><body><h1>Products</h1></body></html>",
				title:  "Catalog",
				status: 200,
			})

			resp := env.render(types.RenderRequest{URL: "https://shop.example/catalog"})
			Expect(resp.Response.StatusCode()).To(Equal(fasthttp.StatusOK))

			result := decodeResult(resp)
			Expect(result.HTML).To(ContainSubstring("<h1>Products</h1>"))
			Expect(result.Title).To(Equal("Catalog"))
			Expect(result.StatusCode).To(Equal(200))
			Expect(result.RequestID).NotTo(BeEmpty())
			Expect(result.WasTimeout).To(BeFalse())
			Expect(result.IsEmergencyContent).To(BeFalse())
			Expect(result.ContentLength).To(Equal(len(result.HTML)))
		})

		It("presents a consistent stealth identity to the page", func() {
			env.render(types.RenderRequest{URL: "https://shop.example/"})

			cfg := env.engine.lastConfig()
			Expect(cfg.Identity.UserAgent).To(ContainSubstring("Chrome/"))
			Expect(cfg.Identity.Platform).NotTo(BeEmpty())
			Expect(cfg.Identity.Timezone).NotTo(BeEmpty())
			Expect(cfg.Viewport.Width).To(Equal(types.DefaultViewportW))
			Expect(cfg.Viewport.Height).To(Equal(types.DefaultViewportH))
		})

		It("honors a caller-pinned user agent", func() {
			env.render(types.RenderRequest{
				URL:       "https://shop.example/",
				UserAgent: "Probe/1.0",
			})

			Expect(env.engine.lastConfig().Identity.UserAgent).To(Equal("Probe/1.0"))
		})

		It("extracts plain text when requested", func() {
			env.engine.page("https://shop.example/about", pageBehavior{
				html: "<html><body><h1>About</h1><p>We sell things.</p><script>tracking()</script></body></html>",
			})

			resp := env.render(types.RenderRequest{
				URL:    "https://shop.example/about",
				Output: types.OutputText,
			})

			result := decodeResult(resp)
			Expect(result.HTML).To(ContainSubstring("About"))
			Expect(result.HTML).To(ContainSubstring("We sell things."))
			Expect(result.HTML).NotTo(ContainSubstring("tracking()"))
		})

		It("returns a screenshot when requested", func() {
			resp := env.render(types.RenderRequest{
				URL:    "https://shop.example/",
				Output: types.OutputScreenshot,
			})

			result := decodeResult(resp)
			Expect(result.Screenshot).NotTo(BeEmpty())
		})
	})

	Describe("Validation", func() {
		It("rejects a missing URL", func() {
			resp := env.render(types.RenderRequest{})
			Expect(resp.Response.StatusCode()).To(Equal(fasthttp.StatusBadRequest))
			Expect(decodeEnvelope(resp).Error.Category).To(Equal("VALIDATION"))
		})

		It("rejects a non-http scheme", func() {
			resp := env.render(types.RenderRequest{URL: "file:///etc/passwd"})
			Expect(resp.Response.StatusCode()).To(Equal(fasthttp.StatusBadRequest))
		})
	})

	Describe("Navigation failures", func() {
		It("maps DNS failures to a NETWORK error", func() {
			env.engine.page("https://gone.example/", pageBehavior{
				navErr: errors.New("page load error net::ERR_NAME_NOT_RESOLVED"),
			})

			resp := env.render(types.RenderRequest{URL: "https://gone.example/"})
			Expect(resp.Response.StatusCode()).To(Equal(fasthttp.StatusBadGateway))
			Expect(decodeEnvelope(resp).Error.Category).To(Equal("NETWORK"))
		})

		It("maps navigation timeouts to a TIMEOUT error", func() {
			env.engine.page("https://slow.example/", pageBehavior{
				navErr: fmt.Errorf("navigate: %w", browser.ErrNavigationTimeout),
			})

			resp := env.render(types.RenderRequest{URL: "https://slow.example/"})
			Expect(resp.Response.StatusCode()).To(Equal(fasthttp.StatusGatewayTimeout))
			Expect(decodeEnvelope(resp).Error.Category).To(Equal("TIMEOUT"))
		})
	})

	Describe("Emergency fallback", func() {
		It("returns partial content when the caller opts in", func() {
			env.engine.page("https://slow.example/article", pageBehavior{
				html:       "<html><body>partial article</body></html>",
				navErr:     fmt.Errorf("navigate: %w", browser.ErrNavigationTimeout),
				navErrOnce: true,
			})

			resp := env.render(types.RenderRequest{
				URL:                    "https://slow.example/article",
				ReturnPartialOnTimeout: true,
			})
			Expect(resp.Response.StatusCode()).To(Equal(fasthttp.StatusOK))

			result := decodeResult(resp)
			Expect(result.WasTimeout).To(BeTrue())
			Expect(result.IsEmergencyContent).To(BeTrue())
			Expect(result.HTML).To(ContainSubstring("partial article"))
			Expect(env.engine.sessionCount()).To(Equal(2), "fallback should use a fresh session")
		})

		It("surfaces the original timeout when the fallback fails too", func() {
			env.engine.page("https://dead.example/", pageBehavior{
				navErr: fmt.Errorf("navigate: %w", browser.ErrNavigationTimeout),
			})

			resp := env.render(types.RenderRequest{
				URL:                    "https://dead.example/",
				ReturnPartialOnTimeout: true,
			})
			Expect(resp.Response.StatusCode()).To(Equal(fasthttp.StatusGatewayTimeout))
			Expect(decodeEnvelope(resp).Error.Category).To(Equal("TIMEOUT"))
		})
	})
})
