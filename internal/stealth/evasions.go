package stealth

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
)

// ScriptTarget is the slice of a browser session that evasions need: the
// ability to register a script that runs before any page content.
type ScriptTarget interface {
	InstallScript(ctx context.Context, source string) error
}

// InstallEvasions registers the pre-navigation instrumentation for the given
// identity. Failure degrades stealth but not functionality, so it is logged
// and swallowed; the returned error is only for callers that want to count it.
func (c *Configurator) InstallEvasions(ctx context.Context, target ScriptTarget, id Identity) error {
	script, err := EvasionScript(id)
	if err != nil {
		c.logger.Warn("Failed to build evasion script", zap.Error(err))
		return err
	}

	if err := target.InstallScript(ctx, script); err != nil {
		c.logger.Warn("Failed to install evasion script",
			zap.String("user_agent", id.UserAgent),
			zap.Error(err))
		return err
	}

	return nil
}

// EvasionScript renders the anti-detection script with the identity's values
// baked in, so the page-visible environment agrees with the session headers.
func EvasionScript(id Identity) (string, error) {
	languages, err := json.Marshal(languagesFor(id.Locale))
	if err != nil {
		return "", fmt.Errorf("marshal languages: %w", err)
	}

	return fmt.Sprintf(evasionTemplate,
		string(languages),
		id.Platform,
		id.HardwareConcurrency,
		id.DeviceMemory,
		id.WebGLVendor,
		id.WebGLRenderer,
	), nil
}

func languagesFor(locale string) []string {
	if locale == "" || locale == "en-US" {
		return []string{"en-US", "en"}
	}
	return []string{locale, "en"}
}

// evasionTemplate masks the standard automation giveaways: the webdriver
// flag, driver-specific globals, empty plugin/language arrays, the
// permissions-query fingerprint and default WebGL strings.
const evasionTemplate = `
(() => {
    'use strict';

    if (window.__fingerprintApplied) {
        return;
    }
    window.__fingerprintApplied = true;

    try {

    Object.defineProperty(navigator, 'webdriver', {
        get: () => undefined,
        configurable: true
    });

    delete window.cdc_adoQpoasnfa76pfcZLmcfl_Array;
    delete window.cdc_adoQpoasnfa76pfcZLmcfl_Promise;
    delete window.cdc_adoQpoasnfa76pfcZLmcfl_Symbol;
    delete window.__driver_evaluate;
    delete window.__webdriver_evaluate;
    delete window.__selenium_evaluate;

    Object.defineProperty(navigator, 'languages', {
        get: () => %s,
        configurable: true
    });

    Object.defineProperty(navigator, 'platform', {
        get: () => '%s',
        configurable: true
    });

    Object.defineProperty(navigator, 'hardwareConcurrency', {
        get: () => %d,
        configurable: true
    });

    Object.defineProperty(navigator, 'deviceMemory', {
        get: () => %d,
        configurable: true
    });

    Object.defineProperty(navigator, 'plugins', {
        get: () => {
            const plugins = [
                {
                    name: 'Chrome PDF Plugin',
                    filename: 'internal-pdf-viewer',
                    description: 'Portable Document Format',
                    length: 1,
                    item: () => null,
                    namedItem: () => null
                },
                {
                    name: 'Chrome PDF Viewer',
                    filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai',
                    description: '',
                    length: 1,
                    item: () => null,
                    namedItem: () => null
                },
                {
                    name: 'Native Client',
                    filename: 'internal-nacl-plugin',
                    description: '',
                    length: 2,
                    item: () => null,
                    namedItem: () => null
                }
            ];
            plugins.item = (index) => plugins[index] || null;
            plugins.namedItem = (name) => plugins.find(p => p.name === name) || null;
            plugins.refresh = () => {};
            return plugins;
        },
        configurable: true
    });

    if (!window.chrome) {
        window.chrome = {};
    }
    if (!window.chrome.runtime) {
        window.chrome.runtime = {
            connect: function() { return { onMessage: { addListener: function() {} }, postMessage: function() {} }; },
            sendMessage: function() {},
            onMessage: { addListener: function() {} },
            id: undefined
        };
    }

    if (window.navigator && window.navigator.permissions && window.navigator.permissions.query) {
        const originalQuery = window.navigator.permissions.query.bind(window.navigator.permissions);
        window.navigator.permissions.query = (parameters) => {
            if (parameters.name === 'notifications') {
                return Promise.resolve({
                    state: typeof Notification !== 'undefined' ? Notification.permission : 'default',
                    onchange: null
                });
            }
            return originalQuery(parameters);
        };
    }

    try {
        const UNMASKED_VENDOR_WEBGL = 37445;
        const UNMASKED_RENDERER_WEBGL = 37446;

        ['WebGLRenderingContext', 'WebGL2RenderingContext'].forEach(function(ctxName) {
            try {
                const ctx = window[ctxName];
                if (!ctx || !ctx.prototype) return;

                const originalGetParameter = ctx.prototype.getParameter;
                if (typeof originalGetParameter !== 'function') return;
                if (originalGetParameter._patched) return;

                ctx.prototype.getParameter = function(param) {
                    if (param === UNMASKED_VENDOR_WEBGL) {
                        return '%s';
                    }
                    if (param === UNMASKED_RENDERER_WEBGL) {
                        return '%s';
                    }
                    return originalGetParameter.call(this, param);
                };
                ctx.prototype.getParameter._patched = true;
            } catch (e) {
                // Skip this context
            }
        });
    } catch (e) {
        // WebGL spoofing failed, continue anyway
    }

    if (typeof Notification !== 'undefined') {
        Object.defineProperty(Notification, 'permission', {
            get: () => 'default',
            configurable: true
        });
    }

    } catch (e) {
        // A failed patch must never break the page
    }
})();
`
